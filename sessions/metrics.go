package sessions

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/GrainArc/GeoRef/models"
)

var (
	runCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "georef",
			Subsystem: "session",
			Name:      "runs_total",
			Help:      "Session runs by kind and result",
		},
		[]string{"kind", "result"},
	)
	runTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "georef",
			Subsystem: "session",
			Name:      "run_seconds",
			Help:      "Run time of session computations",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2.0, 16),
		},
		[]string{"kind"},
	)
)

func init() {
	for _, c := range []prometheus.Collector{runCount, runTime} {
		if err := prometheus.Register(c); err != nil {
			// metrics may be redundantly registered; ignore these errors
			if !errors.As(err, &prometheus.AlreadyRegisteredError{}) {
				log.Infof("error registering prometheus metric: %v", err)
			}
		}
	}
}

func observeRun(kind models.SessionKind, result string, start time.Time) {
	runCount.WithLabelValues(string(kind), result).Inc()
	runTime.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}
