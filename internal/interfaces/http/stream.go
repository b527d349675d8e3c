package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writeWait bounds a single websocket frame write.
const writeWait = 10 * time.Second

// upgrader accepts any origin: the dashboard may be served from a different
// host than the API.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamSSE runs a streaming analysis and emits its frames as server-sent
// events. The connection stays open until the analysis finishes or the
// client disconnects; a disconnect cancels the run through the request
// context.
func (h *Handlers) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, http.StatusInternalServerError, codeInternal,
			"response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for frame := range h.engine.Stream(r.Context()) {
		payload, err := json.Marshal(frame)
		if err != nil {
			log.Error().Err(err).Str("type", frame.Type).Msg("Dropping unencodable stream frame")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client went away; the engine unwinds via the request context.
			return
		}
		flusher.Flush()
	}
}

// StreamWS mirrors the SSE stream over a websocket. Frames are sent as JSON
// text messages followed by a normal close.
func (h *Handlers) StreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only surface client disconnects; there is no inbound protocol.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	frames := h.engine.Stream(ctx)
	for frame := range frames {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			cancel()
			for range frames {
			}
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
