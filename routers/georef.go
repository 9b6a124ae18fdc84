package routers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GrainArc/GeoRef/views"
)

func GeorefRouters(r *gin.Engine, h *views.GeorefHandler) {
	georef := r.Group("/georef")
	{
		georef.GET("/split/:docid", h.SplitStart)
		georef.POST("/split/:docid", h.SplitOperation)
	}
	{
		georef.GET("/georeference/:docid", h.GeoreferenceStart)
		georef.POST("/georeference/:docid", h.GeoreferenceOperation)
	}
	{
		georef.GET("/trim/:layerid", h.TrimStart)
		georef.POST("/trim/:layerid", h.TrimOperation)
		georef.GET("/trim/:layerid/raster", h.TrimmedRaster)
	}
	{
		georef.GET("/gcps/:docid", h.GCPs)
		georef.GET("/gcps/:docid/points", h.PointsFile)
	}
	{
		georef.GET("/summary/:collection", h.CollectionSummary)
		georef.GET("/lookup/:kind/:id", h.Lookup)
		georef.GET("/session/:id", h.Session)
		georef.GET("/session/:id/ws", h.SessionWebSocket)
	}

	r.GET("/media/*key", h.File)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
