package views

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/GrainArc/GeoRef/sessions"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionWebSocket GET /georef/session/:id/ws
// Streams the session's events until a final one was sent or the client
// goes away.
func (h *GeorefHandler) SessionWebSocket(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	s, err := h.machine.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	// subscribe before upgrading so nothing published in between is lost
	events, unsubscribe := h.machine.Broker().Subscribe(id)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	current := sessions.Event{SessionID: s.ID, Kind: s.Kind, Stage: s.Stage, Status: s.Status, Message: s.Message, Time: time.Now()}
	if err := conn.WriteJSON(current); err != nil {
		log.Debugf("sending initial session status: %v", err)
		return
	}
	if current.Final() {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Debugf("sending session event: %v", err)
				return
			}
			if e.Final() {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, e.Status))
				return
			}
		case <-done:
			return
		}
	}
}
