package realtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JrmLg/hermes-back/internal/chat"
	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/stats"
	"github.com/JrmLg/hermes-back/internal/testutil"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, h *Hub, userId int) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(userId, conn, h, testutil.TestLogger(t))
		if !h.Register(c) {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, frame string) ServerMessage {
	t.Helper()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	return next(t, conn)
}

func next(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	var msg ServerMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestClientSession(t *testing.T) {
	team := types.Room{Type: types.RoomTypeTeam, Id: 7}
	private := types.Room{Type: types.RoomTypePrivate, Id: 9}
	msgId := msgid.NewAllocator().Next()

	svc := &mockRoomService{}
	svc.On("Authorize", mock.Anything, 1, team).Return(nil)
	svc.On("Authorize", mock.Anything, 1, private).Return(chat.ErrForbidden)
	svc.On("MarkRead", mock.Anything, 1, team, validation.MarkRead{MessageId: msgId.String()}).
		Return(types.ReadState{UserId: 1, RoomType: team.Type, RoomId: team.Id, LastReadMessageId: &msgId}, nil)
	svc.On("MarkRead", mock.Anything, 1, team, validation.MarkRead{MessageId: "00000000000000000000"}).
		Return(types.ReadState{}, chat.ErrNotFound)
	svc.On("MarkRead", mock.Anything, 1, private, mock.Anything).
		Return(types.ReadState{}, errors.New("connection reset"))

	su := stats.NewTolerantStatsUpdater()

	h := newTestHub(t, svc, su)
	conn := dialTestServer(t, h, 1)

	tcases := []struct {
		name  string
		frame string
		code  int
		error string
	}{
		{name: "garbage", frame: `{not json`, code: http.StatusBadRequest, error: "invalid message format"},
		{name: "unknown frame", frame: `{"id":1}`, code: http.StatusBadRequest, error: "invalid message format"},
		{name: "invalid room", frame: `{"id":2,"join":{"roomType":"lobby","roomId":1}}`, code: http.StatusBadRequest,
			error: "schema validation error: The field 'roomType' must be one of: team, private, channel."},
		{name: "forbidden room", frame: `{"id":3,"join":{"roomType":"private","roomId":9}}`, code: http.StatusForbidden},
		{name: "join", frame: `{"id":4,"join":{"roomType":"team","roomId":7}}`, code: http.StatusOK},
		{name: "read", frame: `{"id":5,"read":{"roomType":"team","roomId":7,"messageId":"` + msgId.String() + `"}}`, code: http.StatusOK},
		{name: "read unknown message", frame: `{"id":6,"read":{"roomType":"team","roomId":7,"messageId":"00000000000000000000"}}`,
			code: http.StatusNotFound},
		{name: "read store failure", frame: `{"id":7,"read":{"roomType":"private","roomId":9,"messageId":"` + msgId.String() + `"}}`,
			code: http.StatusInternalServerError, error: "internal server error"},
		{name: "leave unknown room", frame: `{"id":8,"leave":{"roomType":"channel","roomId":1}}`, code: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := exchange(t, conn, tc.frame)

			require.NotNil(t, msg.Response)
			assert.Equal(t, tc.code, msg.Response.ResponseCode)
			if tc.error != "" {
				assert.Equal(t, tc.error, msg.Response.Error)
			}
		})
	}

	t.Run("receives room events", func(t *testing.T) {
		h.Publish(types.Event{
			Type:    types.EventMessageCreated,
			Room:    team,
			Message: &types.Message{Id: msgId, RoomType: team.Type, RoomId: team.Id, AuthorId: 2, Content: "vitals ok"},
		})

		msg := next(t, conn)
		require.NotNil(t, msg.Event)
		assert.Equal(t, types.EventMessageCreated, msg.Event.Type)
		assert.Equal(t, team, msg.Event.Room)
		require.NotNil(t, msg.Event.Message)
		assert.Equal(t, msgId, msg.Event.Message.Id)
		assert.Equal(t, "vitals ok", msg.Event.Message.Content)
	})

	t.Run("leave", func(t *testing.T) {
		msg := exchange(t, conn, `{"id":9,"leave":{"roomType":"team","roomId":7}}`)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	})

	svc.AssertExpectations(t)
}

func TestClientDisconnectDeregisters(t *testing.T) {
	registered := make(chan struct{})
	deregistered := make(chan struct{})

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveClients).Once().Run(func(mock.Arguments) { close(registered) })
	su.On("Decr", stats.NumActiveClients).Once().Run(func(mock.Arguments) { close(deregistered) })

	h := newTestHub(t, &mockRoomService{}, su)
	conn := dialTestServer(t, h, 1)

	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("client was not registered")
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	select {
	case <-deregistered:
	case <-time.After(time.Second):
		t.Fatal("client was not deregistered")
	}
	su.AssertExpectations(t)
}

func TestClientAccessRevoked(t *testing.T) {
	ward := types.Room{Type: types.RoomTypeChannel, Id: 12}

	svc := &mockRoomService{}
	svc.On("Authorize", mock.Anything, 1, ward).Return(nil).Once()
	svc.On("Authorize", mock.Anything, 1, ward).Return(chat.ErrForbidden)

	su := stats.NewTolerantStatsUpdater()

	h := newTestHub(t, svc, su)
	conn := dialTestServer(t, h, 1)

	msg := exchange(t, conn, `{"id":1,"join":{"roomType":"channel","roomId":12}}`)
	require.NotNil(t, msg.Response)
	require.Equal(t, http.StatusOK, msg.Response.ResponseCode)

	h.Publish(types.Event{
		Type:    types.EventMessageCreated,
		Room:    ward,
		Message: &types.Message{RoomType: ward.Type, RoomId: ward.Id, AuthorId: 2, Content: "bed 4 discharged"},
	})

	msg = next(t, conn)
	assert.Nil(t, msg.Event, "expected the event to be withheld")
	require.NotNil(t, msg.Response)
	assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
	assert.Equal(t, "access to room revoked", msg.Response.Error)

	msg = exchange(t, conn, `{"id":2,"leave":{"roomType":"channel","roomId":12}}`)
	require.NotNil(t, msg.Response)
	assert.Equal(t, http.StatusNotFound, msg.Response.ResponseCode, "expected the subscription to be gone")
}
