package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/JrmLg/hermes-back/internal/attachment"
	"github.com/JrmLg/hermes-back/internal/database"
	"github.com/JrmLg/hermes-back/internal/messagelog"
	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/stats"
	"github.com/JrmLg/hermes-back/internal/timeline"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
)

type Authorizer interface {
	CanAccess(ctx context.Context, userId int, room types.Room) (bool, error)
}

type MessageLog interface {
	Append(ctx context.Context, room types.Room, authorId int, content string) (types.Message, error)
	Get(ctx context.Context, id msgid.ID) (types.Message, error)
	Update(ctx context.Context, id msgid.ID, content string) (types.Message, error)
	Delete(ctx context.Context, id msgid.ID) (types.Message, error)
}

type ReadStateStore interface {
	Get(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error)
	Advance(ctx context.Context, userId int, room types.Room, messageId msgid.ID) (types.ReadState, error)
}

type Paginator interface {
	Page(ctx context.Context, room types.Room, req timeline.Request) (types.MessagePage, error)
}

type Aggregator interface {
	RoomInfo(ctx context.Context, userId int, room types.Room) (types.RoomInfo, error)
	PatientSummaries(ctx context.Context, userId int, patients []types.Patient) ([]types.PatientSummary, error)
	ChannelInfos(ctx context.Context, userId int, channels []types.Channel) ([]types.ChannelSummary, error)
}

type Directory interface {
	IsPatientCareUser(ctx context.Context, userId, patientId int) (bool, error)
	ListPatientsWithChannels(ctx context.Context, userId int) ([]types.Patient, error)
	ListChannelsByPatient(ctx context.Context, patientId int) ([]types.Channel, error)
}

type Linker interface {
	Link(ctx context.Context, messageId msgid.ID, field string, r io.Reader) (types.Attachment, error)
	List(ctx context.Context, messageId msgid.ID) ([]types.Attachment, error)
}

// Notifier receives room events once they are durable. Publish must not
// block.
type Notifier interface {
	Publish(event types.Event)
}

type Deps struct {
	Authorizer Authorizer
	Messages   MessageLog
	ReadStates ReadStateStore
	Pages      Paginator
	Aggregator Aggregator
	Directory  Directory
	Files      Linker
	Notifier   Notifier
	Validator  *validation.Validator
	Stats      stats.StatsProvider
	Log        *log.Logger
}

// Service orchestrates every room operation: validate, authorize, then touch
// the stores.
type Service struct {
	auth     Authorizer
	messages MessageLog
	reads    ReadStateStore
	pages    Paginator
	agg      Aggregator
	dir      Directory
	files    Linker
	notify   Notifier
	v        *validation.Validator
	stats    stats.StatsProvider
	log      *log.Logger
}

type noopNotifier struct{}

func (noopNotifier) Publish(types.Event) {}

func NewService(d Deps) *Service {
	s := &Service{
		auth:     d.Authorizer,
		messages: d.Messages,
		reads:    d.ReadStates,
		pages:    d.Pages,
		agg:      d.Aggregator,
		dir:      d.Directory,
		files:    d.Files,
		notify:   d.Notifier,
		v:        d.Validator,
		stats:    d.Stats,
		log:      d.Log,
	}
	if s.notify == nil {
		s.notify = noopNotifier{}
	}
	if s.v == nil {
		s.v = validation.New()
	}
	return s
}

// SetNotifier replaces the event sink. It must be called before the service
// handles requests.
func (s *Service) SetNotifier(n Notifier) {
	s.notify = n
}

func (s *Service) validate(v any) error {
	if err := s.v.Struct(v); err != nil {
		return newValidationError(err)
	}
	return nil
}

// Authorize returns ErrForbidden unless the user may access the room.
func (s *Service) Authorize(ctx context.Context, userId int, room types.Room) error {
	if err := s.validate(validation.Room{RoomType: string(room.Type), RoomId: room.Id}); err != nil {
		return err
	}

	ok, err := s.auth.CanAccess(ctx, userId, room)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func parseMessageId(s string) (msgid.ID, error) {
	id, err := msgid.FromString(s)
	if err != nil {
		return msgid.Nil, fieldError("messageId", "format", "The field 'messageId' is not a valid message id.")
	}
	return id, nil
}

func (s *Service) load(ctx context.Context, id msgid.ID) (types.Message, error) {
	msg, err := s.messages.Get(ctx, id)
	if errors.Is(err, messagelog.ErrNotFound) {
		return types.Message{}, ErrNotFound
	}
	if err != nil {
		return types.Message{}, err
	}
	if msg.Deleted {
		return types.Message{}, ErrNotFound
	}
	return msg, nil
}

// CreateMessage appends a message and marks it read for its author. When the
// append succeeds but the read pointer cannot be advanced, the message is
// returned together with a *ConsistencyError.
func (s *Service) CreateMessage(ctx context.Context, userId int, room types.Room, in validation.CreateMessage) (types.Message, error) {
	if err := s.validate(in); err != nil {
		return types.Message{}, err
	}
	if err := s.Authorize(ctx, userId, room); err != nil {
		return types.Message{}, err
	}

	msg, err := s.messages.Append(ctx, room, userId, in.Content)
	if err != nil {
		return types.Message{}, err
	}
	s.stats.Incr(stats.MessagesCreated)
	s.notify.Publish(types.Event{Type: types.EventMessageCreated, Room: room, Message: &msg})

	if _, err := s.reads.Advance(ctx, userId, room, msg.Id); err != nil {
		s.stats.Incr(stats.ConsistencyErrors)
		s.log.Printf("advance read pointer of author %d after create in room %s, message %s: %v", userId, room, msg.Id, err)
		return msg, &ConsistencyError{Op: "create message", Room: room, MessageId: msg.Id, Err: err}
	}
	s.stats.Incr(stats.ReadAdvances)

	return msg, nil
}

// UpdateMessage replaces the content of a message owned by userId. An empty
// content returns the message unchanged.
func (s *Service) UpdateMessage(ctx context.Context, userId int, messageId string, in validation.UpdateMessage) (types.Message, error) {
	id, err := parseMessageId(messageId)
	if err != nil {
		return types.Message{}, err
	}
	if err := s.validate(in); err != nil {
		return types.Message{}, err
	}

	msg, err := s.ownedMessage(ctx, userId, id)
	if err != nil {
		return types.Message{}, err
	}
	if in.Content == "" {
		return msg, nil
	}

	updated, err := s.messages.Update(ctx, id, in.Content)
	if errors.Is(err, messagelog.ErrNotFound) {
		return types.Message{}, ErrNotFound
	}
	if err != nil {
		return types.Message{}, err
	}
	s.stats.Incr(stats.MessagesUpdated)
	s.notify.Publish(types.Event{Type: types.EventMessageUpdated, Room: updated.Room(), Message: &updated})

	return updated, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userId int, messageId string) (types.Message, error) {
	id, err := parseMessageId(messageId)
	if err != nil {
		return types.Message{}, err
	}

	if _, err := s.ownedMessage(ctx, userId, id); err != nil {
		return types.Message{}, err
	}

	deleted, err := s.messages.Delete(ctx, id)
	if errors.Is(err, messagelog.ErrNotFound) {
		return types.Message{}, ErrNotFound
	}
	if err != nil {
		return types.Message{}, err
	}
	s.stats.Incr(stats.MessagesDeleted)
	s.notify.Publish(types.Event{Type: types.EventMessageDeleted, Room: deleted.Room(), Message: &deleted})

	return deleted, nil
}

// ownedMessage loads a live message and checks that userId wrote it and can
// still access its room.
func (s *Service) ownedMessage(ctx context.Context, userId int, id msgid.ID) (types.Message, error) {
	msg, err := s.load(ctx, id)
	if err != nil {
		return types.Message{}, err
	}
	if msg.AuthorId != userId {
		return types.Message{}, ErrNotAuthor
	}
	if err := s.Authorize(ctx, userId, msg.Room()); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

func (s *Service) GetMessages(ctx context.Context, userId int, room types.Room, q validation.PageQuery) (types.MessagePage, error) {
	if err := s.validate(q); err != nil {
		return types.MessagePage{}, err
	}

	direction, err := types.ParseDirection(q.Direction)
	if err != nil {
		return types.MessagePage{}, fieldError("timelineDirection", "oneof", "The field 'timelineDirection' must be one of: older, newer.")
	}

	req := timeline.Request{
		Page:      q.Page,
		PageSize:  q.PageSize,
		Direction: direction,
	}
	if q.OriginId != "" {
		id, err := msgid.FromString(q.OriginId)
		if err != nil {
			return types.MessagePage{}, fieldError("originId", "format", "The field 'originId' is not a valid message id.")
		}
		req.OriginId = &id
	} else if q.OriginTimestamp > 0 {
		req.OriginTime = time.UnixMilli(q.OriginTimestamp)
	}

	if err := s.Authorize(ctx, userId, room); err != nil {
		return types.MessagePage{}, err
	}

	page, err := s.pages.Page(ctx, room, req)
	switch {
	case errors.Is(err, timeline.ErrInvalidPageSize):
		return types.MessagePage{}, fieldError("pageSize", "max", err.Error())
	case errors.Is(err, timeline.ErrPageOutOfRange):
		return types.MessagePage{}, fieldError("page", "max", err.Error())
	case errors.Is(err, timeline.ErrInvalidDirection):
		return types.MessagePage{}, fieldError("timelineDirection", "oneof", err.Error())
	case err != nil:
		return types.MessagePage{}, err
	}

	return page, nil
}

// MarkRead advances the user's read pointer to messageId, which must belong
// to the room. Marking an older message is a no-op.
func (s *Service) MarkRead(ctx context.Context, userId int, room types.Room, in validation.MarkRead) (types.ReadState, error) {
	if err := s.validate(in); err != nil {
		return types.ReadState{}, err
	}
	id, err := parseMessageId(in.MessageId)
	if err != nil {
		return types.ReadState{}, err
	}
	if err := s.Authorize(ctx, userId, room); err != nil {
		return types.ReadState{}, err
	}

	msg, err := s.messages.Get(ctx, id)
	if errors.Is(err, messagelog.ErrNotFound) {
		return types.ReadState{}, ErrNotFound
	}
	if err != nil {
		return types.ReadState{}, err
	}
	if msg.Room() != room {
		return types.ReadState{}, ErrNotFound
	}

	state, err := s.reads.Advance(ctx, userId, room, id)
	if err != nil {
		return types.ReadState{}, err
	}
	s.stats.Incr(stats.ReadAdvances)
	s.notify.Publish(types.Event{Type: types.EventReadAdvanced, Room: room, ReadState: &state})

	return state, nil
}

func (s *Service) RoomInfo(ctx context.Context, userId int, room types.Room) (types.RoomInfo, error) {
	if err := s.Authorize(ctx, userId, room); err != nil {
		return types.RoomInfo{}, err
	}
	return s.agg.RoomInfo(ctx, userId, room)
}

// PatientRoomSummaries returns, keyed by patient id, every patient the user
// cares for with the newest message and unread count across its channels.
func (s *Service) PatientRoomSummaries(ctx context.Context, userId int) (map[int]types.PatientSummary, error) {
	patients, err := s.dir.ListPatientsWithChannels(ctx, userId)
	if err != nil {
		return nil, err
	}

	summaries, err := s.agg.PatientSummaries(ctx, userId, patients)
	if err != nil {
		return nil, err
	}

	byId := make(map[int]types.PatientSummary, len(summaries))
	for _, summary := range summaries {
		byId[summary.Id] = summary
	}
	return byId, nil
}

func (s *Service) PatientChannels(ctx context.Context, userId, patientId int) ([]types.ChannelSummary, error) {
	if patientId <= 0 {
		return nil, fieldError("patientId", "min", "The field 'patientId' must be at least 1.")
	}

	ok, err := s.dir.IsPatientCareUser(ctx, userId, patientId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	channels, err := s.dir.ListChannelsByPatient(ctx, patientId)
	if errors.Is(err, database.ErrPatientNotFound) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.agg.ChannelInfos(ctx, userId, channels)
}

// AttachFile stores a file for a message written by userId.
func (s *Service) AttachFile(ctx context.Context, userId int, messageId, field string, r io.Reader) (types.Attachment, error) {
	id, err := parseMessageId(messageId)
	if err != nil {
		return types.Attachment{}, err
	}
	if _, err := s.ownedMessage(ctx, userId, id); err != nil {
		return types.Attachment{}, err
	}

	att, err := s.files.Link(ctx, id, field, r)
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		return types.Attachment{}, fieldError(field, "max", err.Error())
	case errors.Is(err, attachment.ErrEmpty):
		return types.Attachment{}, fieldError(field, "required", err.Error())
	case err != nil:
		return types.Attachment{}, err
	}

	return att, nil
}

func (s *Service) ListAttachments(ctx context.Context, userId int, messageId string) ([]types.Attachment, error) {
	id, err := parseMessageId(messageId)
	if err != nil {
		return nil, err
	}

	msg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Authorize(ctx, userId, msg.Room()); err != nil {
		return nil, err
	}

	return s.files.List(ctx, id)
}
