package realtime

import (
	"context"
	"log"
	"sync"

	"github.com/JrmLg/hermes-back/internal/stats"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
)

const eventBufferSize = 512

// RoomService is the part of the chat service socket clients call into.
type RoomService interface {
	Authorize(ctx context.Context, userId int, room types.Room) error
	MarkRead(ctx context.Context, userId int, room types.Room, in validation.MarkRead) (types.ReadState, error)
}

type subscription struct {
	client *Client
	room   types.Room
	msgId  int
	join   bool
	revoke bool
}

// Hub tracks connected clients and the rooms they follow, and fans out
// events published by the chat service. All maps are owned by the Run
// goroutine.
type Hub struct {
	log            *log.Logger
	svc            RoomService
	stats          stats.StatsProvider
	validate       *validation.Validator
	clients        map[*Client]struct{}
	rooms          map[types.Room]map[*Client]struct{}
	registerChan   chan *Client
	deRegisterChan chan *Client
	subChan        chan subscription
	eventChan      chan types.Event
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

func NewHub(logger *log.Logger, svc RoomService, su stats.StatsProvider) *Hub {
	return &Hub{
		log:            logger,
		svc:            svc,
		stats:          su,
		validate:       validation.New(),
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[types.Room]map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		subChan:        make(chan subscription, 256),
		eventChan:      make(chan types.Event, eventBufferSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case c := <-h.registerChan:
			h.addClient(c)
		case c := <-h.deRegisterChan:
			h.removeClient(c)
		case sub := <-h.subChan:
			switch {
			case sub.revoke:
				h.revoke(sub)
			case sub.join:
				h.subscribe(sub)
			default:
				h.unsubscribe(sub)
			}
		case ev := <-h.eventChan:
			h.broadcast(ev)
		case <-h.stop:
			h.log.Println("shutting down hub")
			for c := range h.clients {
				h.removeClient(c)
			}
			return
		}
	}
}

// Register hands a connected client to the hub. It reports false once the
// hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.registerChan <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) deRegister(c *Client) {
	select {
	case h.deRegisterChan <- c:
	case <-h.done:
	}
}

// Publish queues an event for the subscribers of its room without blocking
// the caller. Events are dropped when the queue is full.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.eventChan <- ev:
	default:
		h.log.Printf("event queue full, dropping %s for room %s", ev.Type, ev.Room)
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) requestSubscription(sub subscription) {
	select {
	case h.subChan <- sub:
	case <-h.done:
	default:
		h.log.Printf("subscription channel full")
		sub.client.queueMessage(ErrServiceUnavailable(sub.msgId))
	}
}

func (h *Hub) addClient(c *Client) {
	h.clients[c] = struct{}{}
	h.stats.Incr(stats.NumActiveClients)
	h.log.Printf("registered client for user %d", c.userId)
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	for room := range c.rooms {
		h.removeSubscriber(room, c)
	}
	delete(h.clients, c)
	h.stats.Decr(stats.NumActiveClients)
	c.stopClient()
	h.log.Printf("deregistered client for user %d", c.userId)
}

func (h *Hub) subscribe(sub subscription) {
	if _, ok := h.clients[sub.client]; !ok {
		return
	}

	subs, ok := h.rooms[sub.room]
	if !ok {
		subs = make(map[*Client]struct{})
		h.rooms[sub.room] = subs
		h.stats.Incr(stats.NumActiveRooms)
	}
	subs[sub.client] = struct{}{}
	sub.client.rooms[sub.room] = struct{}{}

	sub.client.queueMessage(NoErrOK(sub.msgId, sub.room))
}

func (h *Hub) unsubscribe(sub subscription) {
	if _, ok := sub.client.rooms[sub.room]; !ok {
		sub.client.queueMessage(ErrNotSubscribed(sub.msgId))
		return
	}

	h.removeSubscriber(sub.room, sub.client)
	sub.client.queueMessage(NoErrOK(sub.msgId, sub.room))
}

// revoke drops a subscription whose access was withdrawn after the join and
// tells the client which room it lost.
func (h *Hub) revoke(sub subscription) {
	if _, ok := sub.client.rooms[sub.room]; !ok {
		return
	}

	h.removeSubscriber(sub.room, sub.client)
	sub.client.queueMessage(ErrAccessRevoked(sub.room))
	h.log.Printf("revoked room %s for user %d", sub.room, sub.client.userId)
}

func (h *Hub) removeSubscriber(room types.Room, c *Client) {
	delete(c.rooms, room)

	subs, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.rooms, room)
		h.stats.Decr(stats.NumActiveRooms)
	}
}

// broadcast sends ev to the room's subscribers. Read pointers are private
// and only reach the owner's own connections.
func (h *Hub) broadcast(ev types.Event) {
	msg := EventMessage(ev)
	for c := range h.rooms[ev.Room] {
		if ev.ReadState != nil && ev.ReadState.UserId != c.userId {
			continue
		}
		c.queueMessage(msg)
	}
}
