// Package stream fans new captures out to live websocket subscribers.
package stream

import (
	"encoding/json"
	"path/filepath"

	"github.com/dskow/telemock/internal/metrics"
	"github.com/dskow/telemock/internal/record"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Event is the message sent to subscribers for every capture written.
type Event struct {
	File   string        `json:"file"`
	Record record.Record `json:"record"`
}

// Hub tracks subscribers and broadcasts to all of them from one goroutine.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	count     chan chan int
	done      chan struct{}
}

// NewHub creates a Hub and starts its run loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte, 64),
		count:     make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.StreamSubscribers.Inc()
		case c := <-h.unreg:
			h.drop(c)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					h.drop(c)
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c Subscriber) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.Close()
	metrics.StreamSubscribers.Dec()
}

// Register adds a subscriber. It is a no-op after Close.
func (h *Hub) Register(c Subscriber) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister removes and closes a subscriber.
func (h *Hub) Unregister(c Subscriber) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Publish broadcasts a capture. Its signature matches record.Recorder.OnWrite,
// so mock captures are broadcast twice: once written and again once amended
// with the response.
func (h *Hub) Publish(path string, rec record.Record) {
	payload, err := json.Marshal(Event{File: filepath.Base(path), Record: rec})
	if err != nil {
		return
	}
	h.Broadcast(payload)
}

// Close disconnects every subscriber and stops the run loop.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
