package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/itstheanurag/judgebox/internal/config"
)

// SocketMessage is the envelope for every message sent on /ws/run.
//
// Type values:
//   - "result": Result holds the execution response
//   - "error":  Error explains why the request was not run
type SocketMessage struct {
	Type   string             `json:"type"`
	ID     string             `json:"id,omitempty"`
	Result *ExecutionResponse `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// SocketRequest is an ExecutionRequest with an optional client id echoed
// back on the reply.
type SocketRequest struct {
	ID string `json:"id"`
	ExecutionRequest
}

// jsonEscapeFactor is the worst-case growth of a string under JSON
// encoding: a control character becomes \u00XX.
const jsonEscapeFactor = 6

// socketReadLimit bounds one websocket message so that a request at the
// source and stdin caps always fits, however its content is escaped.
// Zero means no limit.
func socketReadLimit(limits config.LimitsConfig) int64 {
	raw := int64(limits.MaxSourceBytes) + int64(limits.MaxStdinBytes)
	if raw <= 0 {
		return 0
	}
	return raw*jsonEscapeFactor + 4096
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RunSocket serves ad-hoc runs over a websocket. Requests on one
// connection are run one at a time, in order.
func (h *Handler) RunSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	if limit := socketReadLimit(h.limits); limit > 0 {
		ws.SetReadLimit(limit)
	}

	log := h.logger.With().Str("remote", c.ClientIP()).Logger()
	log.Debug().Msg("websocket connected")

	for {
		var req SocketRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("websocket closed")
			}
			return
		}

		msg := SocketMessage{Type: "result", ID: req.ID}
		resp, err := h.run(c.Request.Context(), req.ExecutionRequest)
		if err != nil {
			msg = SocketMessage{Type: "error", ID: req.ID, Error: err.Error()}
		} else {
			msg.Result = resp
		}
		if err := ws.WriteJSON(msg); err != nil {
			log.Warn().Err(err).Msg("websocket write failed")
			return
		}
	}
}
