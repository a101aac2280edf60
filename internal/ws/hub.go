package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans event payloads out to every subscribed dashboard client.
type Hub struct {
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	clients   map[Subscriber]struct{}
	once      sync.Once
	stop      chan struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
		clients:   make(map[Subscriber]struct{}),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.clients[sub] = struct{}{}
		case sub := <-h.unreg:
			delete(h.clients, sub)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		case <-h.stop:
			for c := range h.clients {
				c.Close()
			}
			return
		}
	}
}

// Register adds a client to the event stream.
func (h *Hub) Register(client Subscriber) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- client:
	case <-h.stop:
	}
}

// Broadcast sends payload to all clients.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.stop:
	}
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })
}
