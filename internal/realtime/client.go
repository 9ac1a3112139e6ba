package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/JrmLg/hermes-back/internal/chat"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	requestTimeout = 5 * time.Second
)

type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      *log.Logger
	userId   int
	send     chan *ServerMessage
	rooms    map[types.Room]struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(userId int, conn *websocket.Conn, hub *Hub, l *log.Logger) *Client {
	return &Client{
		conn:   conn,
		hub:    hub,
		log:    l,
		userId: userId,
		send:   make(chan *ServerMessage, 256),
		rooms:  make(map[types.Room]struct{}),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if msg.Event != nil && !c.mayReceive(msg.Event) {
				continue
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.hub.deRegister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.joinRoom(msg.Id, *msg.Join)
	case msg.Leave != nil:
		room, ok := c.parseRoom(msg.Id, *msg.Leave)
		if !ok {
			return
		}
		c.hub.requestSubscription(subscription{client: c, room: room, msgId: msg.Id})
	case msg.Read != nil:
		c.markRead(msg.Id, msg.Read)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) joinRoom(id int, in validation.Room) {
	room, ok := c.parseRoom(id, in)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.hub.svc.Authorize(ctx, c.userId, room); err != nil {
		c.queueMessage(c.errorResponse(id, err))
		return
	}

	c.hub.requestSubscription(subscription{client: c, room: room, msgId: id, join: true})
}

func (c *Client) markRead(id int, in *Read) {
	room, ok := c.parseRoom(id, in.Room)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rs, err := c.hub.svc.MarkRead(ctx, c.userId, room, validation.MarkRead{MessageId: in.MessageId})
	if err != nil {
		c.queueMessage(c.errorResponse(id, err))
		return
	}

	c.queueMessage(NoErrOK(id, rs))
}

// mayReceive checks membership again before an event leaves the process, so
// a user removed from a room stops receiving its content. Lookup failures
// drop the event.
func (c *Client) mayReceive(ev *types.Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err := c.hub.svc.Authorize(ctx, c.userId, ev.Room)
	switch {
	case err == nil:
		return true
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrNotFound):
		c.hub.requestSubscription(subscription{client: c, room: ev.Room, revoke: true})
	default:
		c.log.Printf("user %d: dropping %s for room %s: %v", c.userId, ev.Type, ev.Room, err)
	}
	return false
}

func (c *Client) parseRoom(id int, in validation.Room) (types.Room, bool) {
	if err := c.hub.validate.Struct(in); err != nil {
		c.queueMessage(ErrBadRequest(id, err.Error()))
		return types.Room{}, false
	}
	return types.Room{Type: types.RoomType(in.RoomType), Id: in.RoomId}, true
}

func (c *Client) errorResponse(id int, err error) *ServerMessage {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return ErrBadRequest(id, verr.Error())
	case errors.Is(err, chat.ErrForbidden):
		return ErrForbidden(id)
	case errors.Is(err, chat.ErrNotFound):
		return ErrNotFound(id)
	default:
		c.log.Printf("user %d: %v", c.userId, err)
		return ErrInternalError(id)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
