// Package statebus fans out simulator frames to in-process subscribers.
//
// The bus implements simcontrol.Publisher. Publish never blocks: a subscriber
// whose buffer is full misses that frame.
package statebus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sim-control/internal/vehicle"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 16

// Stats counts frames seen by the bus.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Bus is a non-blocking frame multiplexer.
type Bus struct {
	bufferSize   int
	subscribers  map[string]chan vehicle.Frame
	subscriberMu sync.Mutex
	closing      bool

	latest    atomic.Pointer[vehicle.Frame]
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus. A bufferSize below 1 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: make(map[string]chan vehicle.Frame),
	}
}

// Subscribe creates a new channel for receiving frames. The ID identifies
// the channel when unsubscribing. Subscribing to a closed bus returns a
// closed channel.
func (b *Bus) Subscribe() (string, <-chan vehicle.Frame) {
	id := uuid.NewString()
	ch := make(chan vehicle.Frame, b.bufferSize)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closing {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish records f as the latest frame and offers it to every subscriber.
func (b *Bus) Publish(f vehicle.Frame) {
	b.latest.Store(&f)
	b.published.Add(1)

	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closing {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- f:
		default:
			// full; skip so the cycle driver is never blocked
			b.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published frame.
func (b *Bus) Latest() (vehicle.Frame, bool) {
	f := b.latest.Load()
	if f == nil {
		return vehicle.Frame{}, false
	}
	return *f, true
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	b.subscriberMu.Lock()
	n := len(b.subscribers)
	b.subscriberMu.Unlock()
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close closes all subscriber channels. Later frames only update Latest.
func (b *Bus) Close() {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.closing = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// AttachAdminRoutes attaches bus debugging endpoints under /debug/.
func (b *Bus) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("statebus", "simulator state bus counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.Stats())
	})

	// Server-Sent Events stream of published frames.
	debug.HandleSilentFunc("statebus/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := b.Subscribe()
		defer b.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case frame, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(frame)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
