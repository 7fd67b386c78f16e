package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

const heartbeatInterval = 15 * time.Second

func parseKinds(q string) []string {
	var kinds []string
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// SSEHandler streams broker events as server-sent events. Clients may filter
// kinds via ?kinds=count,session. initial, when non-nil, supplies the events
// each client receives right after subscribing.
func SSEHandler(broker *Broker, initial func() []Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		kinds := parseKinds(r.URL.Query().Get("kinds"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe(kinds...)
		defer broker.Unsubscribe(id)
		slog.Debug("event stream client connected", "id", id, "kinds", kinds, "clients", broker.ClientCount())

		send := func(evt Event) bool {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.Payload); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		if initial != nil {
			for _, evt := range initial() {
				if len(kinds) > 0 && !slices.Contains(kinds, evt.Kind) {
					continue
				}
				if !send(evt) {
					return
				}
			}
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case evt, ok := <-ch:
				if !ok || !send(evt) {
					return
				}
			}
		}
	}
}
