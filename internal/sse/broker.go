// Package sse streams sync status changes to local UI clients as
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeSyncCompleted     = "sync.completed"
	TypeOnline            = "connectivity.online"
	TypeOffline           = "connectivity.offline"
	TypeMutationQueued    = "mutation.queued"
	TypeMutationDiscarded = "mutation.discarded"
	TypeCacheRefreshed    = "cache.refreshed"
	TypeStatusChanged     = "status.changed"
)

const (
	defaultStatusThrottle = time.Second
	defaultHeartbeat      = 25 * time.Second
	clientBufferSize      = 64
	publishQueueSize      = 256
)

// Event is one message broadcast to every client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broker fans events out to SSE clients.
//
// A single loop goroutine owns the client set and the status throttle;
// public methods talk to it over channels.
type Broker struct {
	statusMin time.Duration
	heartbeat time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	notifyCh      chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. status.changed is emitted at most once per
// statusThrottle no matter how many notifications arrive.
func NewBroker(statusThrottle time.Duration) *Broker {
	if statusThrottle <= 0 {
		statusThrottle = defaultStatusThrottle
	}
	b := &Broker{
		statusMin:     statusThrottle,
		heartbeat:     defaultHeartbeat,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, publishQueueSize),
		notifyCh:      make(chan Event, publishQueueSize),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload)), nil
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var lastStatus time.Time

	broadcast := func(ev Event) {
		msg, err := encode(ev)
		if err != nil {
			return
		}
		for ch := range clients {
			select {
			case ch <- msg:
			default:
				// slow client, drop
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			broadcast(ev)

		case ev := <-b.notifyCh:
			broadcast(ev)
			if now := time.Now(); now.Sub(lastStatus) >= b.statusMin {
				lastStatus = now
				broadcast(Event{Type: TypeStatusChanged, Data: map[string]string{"cause": ev.Type}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client and returns its message channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBufferSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish broadcasts ev as is, without a status.changed hint.
func (b *Broker) Publish(ev Event) {
	b.send(b.publishCh, ev)
}

// Notify broadcasts a state-changing event followed by a throttled
// status.changed hint, so clients can re-read /api/status.
func (b *Broker) Notify(eventType string, data any) {
	b.send(b.notifyCh, Event{Type: eventType, Data: data})
}

func (b *Broker) send(ch chan Event, ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case ch <- ev:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.heartbeat)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
