package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"deskline/api/internal/presence"
)

type client struct {
	id       string
	userID   string
	userName string
	send     chan []byte
}

type membership struct {
	client *client
	room   presence.Room
}

type broadcast struct {
	room   presence.Room
	frame  []byte
	except *client
	only   *client
}

// Hub owns room membership. Everything it touches is confined to the Run
// goroutine; other goroutines talk to it through channels.
type Hub struct {
	register   chan *client
	unregister chan *client
	joins      chan membership
	leaves     chan membership
	broadcasts chan broadcast
	roomsReq   chan chan []presence.Room
	done       chan struct{}
	log        zerolog.Logger

	clients map[*client]struct{}
	rooms   map[presence.Room]map[*client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		joins:      make(chan membership),
		leaves:     make(chan membership),
		broadcasts: make(chan broadcast, 256),
		roomsReq:   make(chan chan []presence.Room),
		done:       make(chan struct{}),
		log:        logger,
		clients:    make(map[*client]struct{}),
		rooms:      make(map[presence.Room]map[*client]struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			for room, members := range h.rooms {
				delete(members, c)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
			close(c.send)
		case m := <-h.joins:
			members := h.rooms[m.room]
			if members == nil {
				members = make(map[*client]struct{})
				h.rooms[m.room] = members
			}
			members[m.client] = struct{}{}
		case m := <-h.leaves:
			if members := h.rooms[m.room]; members != nil {
				delete(members, m.client)
				if len(members) == 0 {
					delete(h.rooms, m.room)
				}
			}
		case b := <-h.broadcasts:
			if b.only != nil {
				if _, ok := h.clients[b.only]; ok {
					h.deliver(b.only, b.frame)
				}
				continue
			}
			for c := range h.rooms[b.room] {
				if c == b.except {
					continue
				}
				h.deliver(c, b.frame)
			}
		case reply := <-h.roomsReq:
			rooms := make([]presence.Room, 0, len(h.rooms))
			for room := range h.rooms {
				rooms = append(rooms, room)
			}
			reply <- rooms
		}
	}
}

// deliver never blocks the hub; a slow client loses the frame.
func (h *Hub) deliver(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.Debug().Str("client_id", c.id).Msg("outbox full, frame dropped")
	}
}

func (h *Hub) Register(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Join(c *client, room presence.Room) {
	select {
	case h.joins <- membership{client: c, room: room}:
	case <-h.done:
	}
}

func (h *Hub) Leave(c *client, room presence.Room) {
	select {
	case h.leaves <- membership{client: c, room: room}:
	case <-h.done:
	}
}

// Broadcast queues a frame for every client in the room except the given
// one, which may be nil.
func (h *Hub) Broadcast(room presence.Room, frame []byte, except *client) {
	select {
	case h.broadcasts <- broadcast{room: room, frame: frame, except: except}:
	case <-h.done:
	}
}

// Send queues a frame for a single client.
func (h *Hub) Send(c *client, frame []byte) {
	select {
	case h.broadcasts <- broadcast{frame: frame, only: c}:
	case <-h.done:
	}
}

// Rooms lists rooms with at least one connected client.
func (h *Hub) Rooms() []presence.Room {
	reply := make(chan []presence.Room, 1)
	select {
	case h.roomsReq <- reply:
	case <-h.done:
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-h.done:
		return nil
	}
}
