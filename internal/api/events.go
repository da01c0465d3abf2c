package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pathtiles/server/internal/hierarchy"
)

const (
	eventBuffer   = 256
	eventPingRate = 15 * time.Second
)

// eventsHandler streams hierarchy change events as server-sent events. A
// client that falls more than eventBuffer events behind gets a final
// "lagged" event and is disconnected; it should reload its objects.
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan hierarchy.ChangeEvent, eventBuffer)
	lagged := make(chan struct{})
	var lagOnce sync.Once
	sub, err := svc.Subscribe("sse:"+r.RemoteAddr, func(e hierarchy.ChangeEvent) {
		select {
		case ch <- e:
		default:
			lagOnce.Do(func() { close(lagged) })
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: hello\ndata: {\"version\":%d}\n\n", svc.Hierarchy().Version())
	flusher.Flush()

	ping := time.NewTicker(eventPingRate)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-lagged:
			log.Printf("[Events] %s: subscriber %s lagged, disconnecting", svc.ID(), r.RemoteAddr)
			fmt.Fprint(w, "event: lagged\ndata: {}\n\n")
			flusher.Flush()
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Version, e.Type, data)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
