package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/syncot/contentcore"
)

// SSEHandler serves streamOperations over Server-Sent Events: one "data:"
// block per Operation, in order, until the stream closes or the client
// disconnects.
type SSEHandler struct {
	facade *contentcore.Facade
	logger *zap.Logger
}

// NewSSEHandler builds an SSEHandler around facade.
func NewSSEHandler(facade *contentcore.Facade, logger *zap.Logger) *SSEHandler {
	return &SSEHandler{facade: facade, logger: logger}
}

// ServeHTTP parses (type, id, versionStart, versionEnd) from the query
// string, opens the stream, and pumps operations to the client as SSE
// events until the stream ends or the request context is canceled.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docType, id, versionStart, versionEnd, ok := parseStreamParams(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	stream, err := h.facade.StreamOperations(r.Context(), docType, id, versionStart, versionEnd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		op, err := stream.Recv(r.Context())
		if err != nil {
			if err != contentcore.ErrStreamClosed {
				h.logger.Warn("stream ended with error",
					zap.String("type", docType), zap.String("id", id), zap.Error(err))
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
				flusher.Flush()
			}
			return
		}
		payload, err := json.Marshal(op)
		if err != nil {
			h.logger.Error("failed to marshal operation", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: operation\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}
