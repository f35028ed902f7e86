// Package sse streams note and graph change notifications to browsers over
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Kind is a note mutation.
type Kind string

const (
	NoteCreated Kind = "note.created"
	NoteUpdated Kind = "note.updated"
	NoteDeleted Kind = "note.deleted"

	// GraphUpdated tells clients that a cached similarity graph is stale.
	GraphUpdated = "graph.updated"
)

// Event is a single message to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NoteRef is the payload of note events.
type NoteRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type noteReq struct {
	kind Kind
	ref  NoteRef
}

// Options tune a Broker.
type Options struct {
	// GraphThrottle is the minimum gap between graph.updated events.
	GraphThrottle time.Duration
	// KeepAlive is the interval of comment pings on idle streams.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Broker fans events out to connected clients.
//
// A single loop goroutine owns the client set, the graph throttle state and
// the event sequence; public methods talk to it over channels. Mutations
// inside a throttle window are coalesced into one trailing graph.updated.
type Broker struct {
	graphMin  time.Duration
	keepAlive time.Duration
	logger    *slog.Logger

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	noteCh        chan noteReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker loop. Call Close to stop it.
func NewBroker(opts Options) *Broker {
	if opts.GraphThrottle <= 0 {
		opts.GraphThrottle = 2 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Broker{
		graphMin:      opts.GraphThrottle,
		keepAlive:     opts.KeepAlive,
		logger:        opts.Logger.With("component", "sse"),
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		noteCh:        make(chan noteReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastGraph  time.Time
		seq        uint64
		graphTimer *time.Timer
		graphDue   <-chan time.Time // non-nil while a trailing event is pending
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			b.logger.Error("encode event", slog.String("type", event.Type), slog.String("error", err.Error()))
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than stall everyone else.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			if graphTimer != nil {
				graphTimer.Stop()
			}
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

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.noteCh:
			broadcast(Event{Type: string(req.kind), Data: req.ref})

			now := time.Now()
			switch {
			case graphDue != nil:
				// Trailing event already scheduled.
			case now.Sub(lastGraph) >= b.graphMin:
				lastGraph = now
				broadcast(Event{Type: GraphUpdated, Data: map[string]string{}})
			default:
				graphTimer = time.NewTimer(b.graphMin - now.Sub(lastGraph))
				graphDue = graphTimer.C
			}

		case <-graphDue:
			graphDue = nil
			lastGraph = time.Now()
			broadcast(Event{Type: GraphUpdated, Data: map[string]string{}})

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel. Safe to call twice.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client. The channel is closed on Unsubscribe or Close.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
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

// Unsubscribe removes a client.
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

// Publish broadcasts an arbitrary event.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishNote broadcasts a note mutation followed by a throttled
// graph.updated event. The last mutation of a burst is always followed by
// one, at most GraphThrottle later.
func (b *Broker) PublishNote(kind Kind, id, title string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.noteCh <- noteReq{kind: kind, ref: NoteRef{ID: id, Title: title}}:
	case <-b.stopped:
	}
}

// ServeHTTP is the event stream endpoint.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
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
