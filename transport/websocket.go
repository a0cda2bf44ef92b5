// Package transport adapts a Facade's streamOperations RPC onto the wire:
// one http.Handler per protocol, each pumping Operations out as JSON until
// the stream closes or errors.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syncot/contentcore"
)

// WebSocketHandler serves streamOperations over a WebSocket: one text frame
// per Operation, in order, until the stream closes or the connection drops.
type WebSocketHandler struct {
	facade   *contentcore.Facade
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler builds a WebSocketHandler around facade.
func NewWebSocketHandler(facade *contentcore.Facade, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		facade: facade,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP parses (type, id, versionStart, versionEnd) from the query
// string, opens the stream, upgrades the connection, and pumps operations
// to the client until the stream ends.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docType, id, versionStart, versionEnd, ok := parseStreamParams(w, r)
	if !ok {
		return
	}

	stream, err := h.facade.StreamOperations(r.Context(), docType, id, versionStart, versionEnd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		stream.Close()
		return
	}
	defer conn.Close()
	defer stream.Close()

	for {
		op, err := stream.Recv(r.Context())
		if err != nil {
			if err != contentcore.ErrStreamClosed {
				h.logger.Warn("stream ended with error",
					zap.String("type", docType), zap.String("id", id), zap.Error(err))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			}
			return
		}
		payload, err := json.Marshal(op)
		if err != nil {
			h.logger.Error("failed to marshal operation", zap.Error(err))
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func parseStreamParams(w http.ResponseWriter, r *http.Request) (docType, id string, versionStart, versionEnd uint64, ok bool) {
	q := r.URL.Query()
	docType = q.Get("type")
	id = q.Get("id")
	if docType == "" || id == "" {
		http.Error(w, "type and id are required", http.StatusBadRequest)
		return "", "", 0, 0, false
	}

	versionStart, err := strconv.ParseUint(q.Get("versionStart"), 10, 64)
	if err != nil {
		http.Error(w, "invalid versionStart", http.StatusBadRequest)
		return "", "", 0, 0, false
	}
	versionEnd, err = strconv.ParseUint(q.Get("versionEnd"), 10, 64)
	if err != nil {
		http.Error(w, "invalid versionEnd", http.StatusBadRequest)
		return "", "", 0, 0, false
	}
	return docType, id, versionStart, versionEnd, true
}
