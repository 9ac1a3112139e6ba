package chat

import (
	"context"
	"io"

	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
	"github.com/stretchr/testify/mock"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Authorize(ctx context.Context, userId int, room types.Room) error {
	args := m.Called(ctx, userId, room)
	return args.Error(0)
}

func (m *MockService) CreateMessage(ctx context.Context, userId int, room types.Room, in validation.CreateMessage) (types.Message, error) {
	args := m.Called(ctx, userId, room, in)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockService) UpdateMessage(ctx context.Context, userId int, messageId string, in validation.UpdateMessage) (types.Message, error) {
	args := m.Called(ctx, userId, messageId, in)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockService) DeleteMessage(ctx context.Context, userId int, messageId string) (types.Message, error) {
	args := m.Called(ctx, userId, messageId)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockService) GetMessages(ctx context.Context, userId int, room types.Room, q validation.PageQuery) (types.MessagePage, error) {
	args := m.Called(ctx, userId, room, q)
	return args.Get(0).(types.MessagePage), args.Error(1)
}

func (m *MockService) MarkRead(ctx context.Context, userId int, room types.Room, in validation.MarkRead) (types.ReadState, error) {
	args := m.Called(ctx, userId, room, in)
	return args.Get(0).(types.ReadState), args.Error(1)
}

func (m *MockService) RoomInfo(ctx context.Context, userId int, room types.Room) (types.RoomInfo, error) {
	args := m.Called(ctx, userId, room)
	return args.Get(0).(types.RoomInfo), args.Error(1)
}

func (m *MockService) PatientRoomSummaries(ctx context.Context, userId int) (map[int]types.PatientSummary, error) {
	args := m.Called(ctx, userId)
	summaries, _ := args.Get(0).(map[int]types.PatientSummary)
	return summaries, args.Error(1)
}

func (m *MockService) PatientChannels(ctx context.Context, userId, patientId int) ([]types.ChannelSummary, error) {
	args := m.Called(ctx, userId, patientId)
	channels, _ := args.Get(0).([]types.ChannelSummary)
	return channels, args.Error(1)
}

func (m *MockService) AttachFile(ctx context.Context, userId int, messageId, field string, r io.Reader) (types.Attachment, error) {
	args := m.Called(ctx, userId, messageId, field, r)
	return args.Get(0).(types.Attachment), args.Error(1)
}

func (m *MockService) ListAttachments(ctx context.Context, userId int, messageId string) ([]types.Attachment, error) {
	args := m.Called(ctx, userId, messageId)
	attachments, _ := args.Get(0).([]types.Attachment)
	return attachments, args.Error(1)
}
