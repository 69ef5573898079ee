package offlinecache

import (
	"encoding/json"
	"io"
	"net/http"
)

// Message types exchanged with pages.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessagePing        = "PING"
	MessagePong        = "PONG"
	MessageActive      = "SW_ACTIVE"
)

const maxMessageSize = 64 << 10

// Message is the JSON message format of the control channel.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// handleMessage handles a message posted by a page.
// Messages that cannot be parsed or have an unknown type are ignored.
func (h *Host) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err == nil {
		err = json.Unmarshal(body, &msg)
	}
	if err != nil {
		h.log.Debug().Err(err).Msg("Ignoring malformed message")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch msg.Type {
	case MessageSkipWaiting:
		h.log.Info().Msg("Skip waiting requested")
		if h.SkipWaiting() {
			w.WriteHeader(http.StatusAccepted)
		} else {
			w.WriteHeader(http.StatusNoContent)
		}
	case MessagePing:
		reply := Message{Type: MessagePong}
		if active := h.Active(); active != nil {
			reply.Version = active.Version()
		}
		writeJSON(w, http.StatusOK, reply)
	default:
		h.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown message")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
