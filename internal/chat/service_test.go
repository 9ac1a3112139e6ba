package chat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/JrmLg/hermes-back/internal/access"
	"github.com/JrmLg/hermes-back/internal/attachment"
	"github.com/JrmLg/hermes-back/internal/database"
	"github.com/JrmLg/hermes-back/internal/messagelog"
	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/readstate"
	"github.com/JrmLg/hermes-back/internal/stats"
	"github.com/JrmLg/hermes-back/internal/testutil"
	"github.com/JrmLg/hermes-back/internal/timeline"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/unread"
	"github.com/JrmLg/hermes-back/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	alice    = 1
	bob      = 2
	mallory  = 3
	patient  = 40
	channelA = 41
	channelB = 42
)

var (
	privateRoom = types.Room{Type: types.RoomTypePrivate, Id: 7}
	teamRoom    = types.Room{Type: types.RoomTypeTeam, Id: 8}
)

type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Publish(e types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc    *Service
	repo   *database.MockRepository
	log    *messagelog.Log
	reads  *readstate.Store
	events *recorder
}

type fixtureOpt func(*Deps)

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	db := testutil.OpenBadger(t)
	logger := testutil.TestLogger(t)

	l, err := messagelog.New(db, logger)
	require.NoError(t, err)
	reads := readstate.NewStore(db, logger)
	linker, err := attachment.NewLinker(db, t.TempDir(), 0, logger)
	require.NoError(t, err)

	su := stats.NewTolerantStatsUpdater()

	repo := new(database.MockRepository)
	// alice and bob share the private room, the team and the patient's
	// channels; mallory belongs nowhere
	for _, u := range []int{alice, bob} {
		repo.On("IsPrivateRoomMember", mock.Anything, u, privateRoom.Id).Return(true, nil).Maybe()
		repo.On("IsTeamMember", mock.Anything, u, teamRoom.Id).Return(true, nil).Maybe()
		repo.On("IsChannelMember", mock.Anything, u, channelA).Return(true, nil).Maybe()
		repo.On("IsChannelMember", mock.Anything, u, channelB).Return(true, nil).Maybe()
		repo.On("IsPatientCareUser", mock.Anything, u, patient).Return(true, nil).Maybe()
	}
	repo.On("IsPrivateRoomMember", mock.Anything, mallory, mock.Anything).Return(false, nil).Maybe()
	repo.On("IsTeamMember", mock.Anything, mallory, mock.Anything).Return(false, nil).Maybe()
	repo.On("IsChannelMember", mock.Anything, mallory, mock.Anything).Return(false, nil).Maybe()
	repo.On("IsPatientCareUser", mock.Anything, mallory, mock.Anything).Return(false, nil).Maybe()

	events := &recorder{}
	deps := Deps{
		Authorizer: access.NewAuthorizer(repo, logger),
		Messages:   l,
		ReadStates: reads,
		Pages:      timeline.NewPaginator(l),
		Aggregator: unread.NewAggregator(l, reads, unread.Options{}, logger, su),
		Directory:  repo,
		Files:      linker,
		Notifier:   events,
		Stats:      su,
		Log:        logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &fixture{svc: NewService(deps), repo: repo, log: l, reads: reads, events: events}
}

func (f *fixture) send(t *testing.T, userId int, room types.Room, content string) types.Message {
	t.Helper()
	msg, err := f.svc.CreateMessage(context.Background(), userId, room, validation.CreateMessage{Content: content})
	require.NoError(t, err)
	return msg
}

func (f *fixture) roomSize(t *testing.T, room types.Room) int {
	t.Helper()
	n, err := f.log.CountAfter(context.Background(), room, nil)
	require.NoError(t, err)
	return n
}

func TestCreateMessage_MarksReadForAuthor(t *testing.T) {
	f := newFixture(t)

	msg := f.send(t, alice, privateRoom, "Patient slept well.")
	assert.Equal(t, alice, msg.AuthorId)
	assert.Equal(t, privateRoom, msg.Room())
	assert.Equal(t, "Patient slept well.", msg.Content)

	state, found, err := f.reads.Get(context.Background(), alice, privateRoom)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, msg.Id, *state.LastReadMessageId)

	info, err := f.svc.RoomInfo(context.Background(), alice, privateRoom)
	require.NoError(t, err)
	assert.Equal(t, 0, info.UnreadMessagesCount, "expected the author's own message to be read")

	info, err = f.svc.RoomInfo(context.Background(), bob, privateRoom)
	require.NoError(t, err)
	assert.Equal(t, 1, info.UnreadMessagesCount)
	assert.Equal(t, msg.Id, info.LastMessage.Id)

	assert.Equal(t, []types.EventType{types.EventMessageCreated}, f.events.kinds())
}

func TestCreateMessage_Rejected(t *testing.T) {
	tcases := []struct {
		name    string
		userId  int
		room    types.Room
		content string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "outsider of a private room",
			userId:  mallory,
			room:    privateRoom,
			content: "hello",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrForbidden)
			},
		},
		{
			name:    "blank content",
			userId:  alice,
			room:    privateRoom,
			content: "   ",
			check: func(t *testing.T, err error) {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "content", verr.Fields[0].Field)
			},
		},
		{
			name:    "unknown room type",
			userId:  alice,
			room:    types.Room{Type: "lobby", Id: 1},
			content: "hello",
			check: func(t *testing.T, err error) {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "roomType", verr.Fields[0].Field)
			},
		},
		{
			name:    "missing room id",
			userId:  alice,
			room:    types.Room{Type: types.RoomTypeTeam},
			content: "hello",
			check: func(t *testing.T, err error) {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "roomId", verr.Fields[0].Field)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.CreateMessage(context.Background(), tc.userId, tc.room, validation.CreateMessage{Content: tc.content})
			tc.check(t, err)

			if tc.room.Id > 0 {
				assert.Equal(t, 0, f.roomSize(t, tc.room), "expected the log to be untouched")
			}
			_, found, err := f.reads.Get(context.Background(), tc.userId, tc.room)
			require.NoError(t, err)
			assert.False(t, found, "expected no read state to be created")
			assert.Empty(t, f.events.kinds())
		})
	}
}

func TestAuthorizationGate_Read(t *testing.T) {
	f := newFixture(t)
	f.send(t, alice, privateRoom, "confidential")

	_, err := f.svc.GetMessages(context.Background(), mallory, privateRoom, validation.PageQuery{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.RoomInfo(context.Background(), mallory, privateRoom)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.MarkRead(context.Background(), mallory, privateRoom, validation.MarkRead{MessageId: msgid.NewAllocator().Next().String()})
	assert.ErrorIs(t, err, ErrForbidden)
}

type failingReads struct {
	err error
}

func (f *failingReads) Get(_ context.Context, userId int, room types.Room) (types.ReadState, bool, error) {
	return types.ReadState{UserId: userId, RoomType: room.Type, RoomId: room.Id}, false, nil
}

func (f *failingReads) Advance(context.Context, int, types.Room, msgid.ID) (types.ReadState, error) {
	return types.ReadState{}, f.err
}

func TestCreateMessage_ConsistencyError(t *testing.T) {
	storeErr := errors.New("connection reset")
	f := newFixture(t, func(d *Deps) {
		d.ReadStates = &failingReads{err: storeErr}
	})

	msg, err := f.svc.CreateMessage(context.Background(), alice, teamRoom, validation.CreateMessage{Content: "vitals ok"})

	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, teamRoom, cerr.Room)
	assert.Equal(t, msg.Id, cerr.MessageId)
	assert.False(t, msg.Id.IsNil(), "expected the created message to be returned")

	stored, err := f.log.Get(context.Background(), msg.Id)
	require.NoError(t, err)
	assert.Equal(t, "vitals ok", stored.Content, "expected the message to be kept")
}

func TestUpdateMessage(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, alice, teamRoom, "draft")

	tcases := []struct {
		name      string
		userId    int
		messageId string
		content   string
		expected  string
		err       error
		validErr  bool
	}{
		{name: "author edits", userId: alice, messageId: msg.Id.String(), content: "final", expected: "final"},
		{name: "empty partial update keeps content", userId: alice, messageId: msg.Id.String(), content: "", expected: "final"},
		{name: "someone else", userId: bob, messageId: msg.Id.String(), content: "hijack", err: ErrForbidden},
		{name: "outsider", userId: mallory, messageId: msg.Id.String(), content: "hijack", err: ErrForbidden},
		{name: "unknown message", userId: alice, messageId: msgid.NewAllocator().Next().String(), content: "x", err: ErrNotFound},
		{name: "malformed id", userId: alice, messageId: "42", content: "x", validErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			updated, err := f.svc.UpdateMessage(context.Background(), tc.userId, tc.messageId, validation.UpdateMessage{Content: tc.content})
			switch {
			case tc.validErr:
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
			case tc.err != nil:
				assert.ErrorIs(t, err, tc.err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.expected, updated.Content)
				assert.Equal(t, msg.Id, updated.Id)
			}
		})
	}

	stored, err := f.log.Get(context.Background(), msg.Id)
	require.NoError(t, err)
	assert.Equal(t, "final", stored.Content)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, alice, teamRoom, "one")
	second := f.send(t, alice, teamRoom, "two")

	_, err := f.svc.DeleteMessage(context.Background(), bob, first.Id.String())
	assert.ErrorIs(t, err, ErrForbidden)

	deleted, err := f.svc.DeleteMessage(context.Background(), alice, first.Id.String())
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = f.svc.DeleteMessage(context.Background(), alice, first.Id.String())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.UpdateMessage(context.Background(), alice, first.Id.String(), validation.UpdateMessage{Content: "again"})
	assert.ErrorIs(t, err, ErrNotFound)

	page, err := f.svc.GetMessages(context.Background(), bob, teamRoom, validation.PageQuery{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, second.Id, page.Messages[0].Id)

	assert.Equal(t, []types.EventType{
		types.EventMessageCreated,
		types.EventMessageCreated,
		types.EventMessageDeleted,
	}, f.events.kinds())
}

func TestGetMessages(t *testing.T) {
	f := newFixture(t)
	var messages []types.Message
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		messages = append(messages, f.send(t, alice, teamRoom, content))
	}

	page, err := f.svc.GetMessages(context.Background(), bob, teamRoom, validation.PageQuery{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, teamRoom.Type, page.RoomType)
	assert.Equal(t, teamRoom.Id, page.RoomId)
	assert.Equal(t, types.DirectionOlder, page.Direction)
	assert.True(t, page.HasMore)
	assert.Equal(t, []string{"d", "e"}, []string{page.Messages[0].Content, page.Messages[1].Content})

	page, err = f.svc.GetMessages(context.Background(), bob, teamRoom, validation.PageQuery{
		PageSize:  10,
		OriginId:  messages[1].Id.String(),
		Direction: "newer",
	})
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Len(t, page.Messages, 3)
	assert.Equal(t, messages[2].Id, page.Messages[0].Id)

	page, err = f.svc.GetMessages(context.Background(), bob, teamRoom, validation.PageQuery{
		PageSize:        10,
		OriginTimestamp: 1,
		Direction:       "newer",
	})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5, "expected every message newer than the epoch")

	page, err = f.svc.GetMessages(context.Background(), bob, teamRoom, validation.PageQuery{
		PageSize:        10,
		OriginTimestamp: (1<<32 + 100) * 1000,
		Direction:       "older",
	})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5, "expected every message older than a timestamp past the id range")

	tcases := []struct {
		name  string
		query validation.PageQuery
		field string
	}{
		{name: "unknown direction", query: validation.PageQuery{Direction: "sideways"}, field: "timelineDirection"},
		{name: "page size too large", query: validation.PageQuery{PageSize: 1000}, field: "pageSize"},
		{name: "malformed origin id", query: validation.PageQuery{OriginId: "zzzzzzzzzzzzzzzzzzzz"}, field: "originId"},
		{name: "page too far", query: validation.PageQuery{PageSize: 100, Page: 1000}, field: "page"},
		{name: "page overflowing the offset", query: validation.PageQuery{PageSize: 4, Page: 1 << 62}, field: "page"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.GetMessages(context.Background(), bob, teamRoom, tc.query)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Fields[0].Field)
		})
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, alice, teamRoom, "one")
	second := f.send(t, alice, teamRoom, "two")
	elsewhere := f.send(t, alice, privateRoom, "other room")

	state, err := f.svc.MarkRead(context.Background(), bob, teamRoom, validation.MarkRead{MessageId: second.Id.String()})
	require.NoError(t, err)
	assert.Equal(t, second.Id, *state.LastReadMessageId)

	state, err = f.svc.MarkRead(context.Background(), bob, teamRoom, validation.MarkRead{MessageId: first.Id.String()})
	require.NoError(t, err)
	assert.Equal(t, second.Id, *state.LastReadMessageId, "expected the pointer not to move backwards")

	_, err = f.svc.MarkRead(context.Background(), bob, teamRoom, validation.MarkRead{MessageId: elsewhere.Id.String()})
	assert.ErrorIs(t, err, ErrNotFound, "expected a message of another room to be rejected")

	_, err = f.svc.MarkRead(context.Background(), bob, teamRoom, validation.MarkRead{MessageId: msgid.NewAllocator().Next().String()})
	assert.ErrorIs(t, err, ErrNotFound)

	info, err := f.svc.RoomInfo(context.Background(), bob, teamRoom)
	require.NoError(t, err)
	assert.Equal(t, 0, info.UnreadMessagesCount)

	assert.Equal(t, []types.EventType{
		types.EventMessageCreated,
		types.EventMessageCreated,
		types.EventMessageCreated,
		types.EventReadAdvanced,
		types.EventReadAdvanced,
	}, f.events.kinds())
}

func TestPatientRoomSummaries(t *testing.T) {
	f := newFixture(t)
	f.repo.On("ListPatientsWithChannels", mock.Anything, bob).Return([]types.Patient{{
		Id:        patient,
		Firstname: "Jeanne",
		Lastname:  "Martin",
		Channels: []types.Channel{
			{Id: channelA, PatientId: patient, Name: "nursing"},
			{Id: channelB, PatientId: patient, Name: "pharmacy"},
		},
	}}, nil)

	roomA := types.Room{Type: types.RoomTypeChannel, Id: channelA}
	roomB := types.Room{Type: types.RoomTypeChannel, Id: channelB}
	f.send(t, alice, roomA, "a1")
	f.send(t, alice, roomB, "b1")
	f.send(t, alice, roomB, "b2")
	f.send(t, alice, roomB, "b3")
	newest := f.send(t, alice, roomA, "a2")

	summaries, err := f.svc.PatientRoomSummaries(context.Background(), bob)
	require.NoError(t, err)
	require.Contains(t, summaries, patient)

	summary := summaries[patient]
	assert.Equal(t, "Jeanne", summary.Firstname)
	assert.Equal(t, 5, summary.UnreadMessagesCount, "expected 2 + 3 unread")
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, newest.Id, summary.LastMessage.Id)
	assert.Empty(t, summary.Incomplete)
}

func TestPatientChannels(t *testing.T) {
	f := newFixture(t)
	channels := []types.Channel{{Id: channelA, PatientId: patient, Name: "nursing"}}
	f.repo.On("ListChannelsByPatient", mock.Anything, patient).Return(channels, nil)

	msg := f.send(t, alice, types.Room{Type: types.RoomTypeChannel, Id: channelA}, "hello")

	summaries, err := f.svc.PatientChannels(context.Background(), bob, patient)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "nursing", summaries[0].Name)
	assert.Equal(t, 1, summaries[0].UnreadMessagesCount)
	assert.Equal(t, msg.Id, summaries[0].LastMessage.Id)

	_, err = f.svc.PatientChannels(context.Background(), mallory, patient)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.PatientChannels(context.Background(), bob, 0)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPatientChannels_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	f.repo.On("IsPatientCareUser", mock.Anything, bob, 99).Return(true, nil)
	f.repo.On("ListChannelsByPatient", mock.Anything, 99).Return(nil, database.ErrPatientNotFound)

	_, err := f.svc.PatientChannels(context.Background(), bob, 99)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestAttachFile(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, alice, teamRoom, "see attached")

	att, err := f.svc.AttachFile(context.Background(), alice, msg.Id.String(), "attachment", bytes.NewReader([]byte("%PDF-1.4\n")))
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", att.MimeType)
	assert.Equal(t, msg.Id, att.MessageId)

	_, err = f.svc.AttachFile(context.Background(), bob, msg.Id.String(), "attachment", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AttachFile(context.Background(), alice, msg.Id.String(), "attachment", bytes.NewReader(nil))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	listed, err := f.svc.ListAttachments(context.Background(), bob, msg.Id.String())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, att.Id, listed[0].Id)

	_, err = f.svc.ListAttachments(context.Background(), mallory, msg.Id.String())
	assert.ErrorIs(t, err, ErrForbidden)
}
