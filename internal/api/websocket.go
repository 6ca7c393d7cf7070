package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait   = 10 * time.Second
	subscriberQ = 16
	feedBacklog = 256
)

// Event kinds pushed to dashboard clients.
const (
	EventReading = "reading"
	EventPoll    = "poll"
)

// FeedEvent is one message on the live feed.
type FeedEvent struct {
	Kind string      `json:"type"`
	Data interface{} `json:"data"`
}

// subscriber is a dashboard connection with its own outgoing queue, so one
// slow browser cannot stall the others.
type subscriber struct {
	conn *websocket.Conn
	send chan FeedEvent
}

func (sub *subscriber) writeLoop() {
	defer sub.conn.Close()
	for ev := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(ev); err != nil {
			log.Debugf("feed write to %s failed: %v", sub.conn.RemoteAddr(), err)
			return
		}
	}
}

// Feed fans poll events out to every connected dashboard.
type Feed struct {
	events  chan FeedEvent
	join    chan *subscriber
	leave   chan *subscriber
	done    chan struct{}
	closing sync.Once

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewFeed creates a Feed. Call Run to start delivering events.
func NewFeed() *Feed {
	return &Feed{
		events: make(chan FeedEvent, feedBacklog),
		join:   make(chan *subscriber),
		leave:  make(chan *subscriber),
		done:   make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run delivers events until Stop is called.
func (f *Feed) Run() {
	for {
		select {
		case <-f.done:
			f.mu.Lock()
			for sub := range f.subs {
				f.drop(sub)
			}
			f.mu.Unlock()
			return

		case sub := <-f.join:
			f.mu.Lock()
			f.subs[sub] = struct{}{}
			n := len(f.subs)
			f.mu.Unlock()
			log.Debugf("dashboard subscribed from %s, %d watching", sub.conn.RemoteAddr(), n)

		case sub := <-f.leave:
			f.mu.Lock()
			f.drop(sub)
			n := len(f.subs)
			f.mu.Unlock()
			log.Debugf("dashboard left, %d watching", n)

		case ev := <-f.events:
			f.mu.Lock()
			for sub := range f.subs {
				select {
				case sub.send <- ev:
				default:
					log.Warnf("dashboard at %s is not keeping up, disconnecting", sub.conn.RemoteAddr())
					f.drop(sub)
				}
			}
			f.mu.Unlock()
		}
	}
}

// drop must be called with mu held.
func (f *Feed) drop(sub *subscriber) {
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.send)
	}
}

// Stop disconnects every subscriber and ends Run.
func (f *Feed) Stop() {
	f.closing.Do(func() { close(f.done) })
}

// Subscribers returns the number of connected dashboards.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Publish queues ev for every subscriber. It never blocks.
func (f *Feed) Publish(kind string, data interface{}) {
	select {
	case f.events <- FeedEvent{Kind: kind, Data: data}:
	default:
		log.Warnf("feed backlog full, dropping %s event", kind)
	}
}

// handleWebSocket subscribes the connection to the live feed.
// GET /api/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade error: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan FeedEvent, subscriberQ)}
	select {
	case s.feed.join <- sub:
	case <-s.feed.done:
		conn.Close()
		return
	}
	go sub.writeLoop()

	// Dashboards never send anything; a read error means they went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case s.feed.leave <- sub:
		case <-s.feed.done:
		}
	}()
}
