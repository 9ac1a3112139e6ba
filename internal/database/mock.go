package database

import (
	"context"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) IsTeamMember(ctx context.Context, userId, teamId int) (bool, error) {
	args := m.Called(ctx, userId, teamId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsPrivateRoomMember(ctx context.Context, userId, roomId int) (bool, error) {
	args := m.Called(ctx, userId, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsChannelMember(ctx context.Context, userId, channelId int) (bool, error) {
	args := m.Called(ctx, userId, channelId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsPatientCareUser(ctx context.Context, userId, patientId int) (bool, error) {
	args := m.Called(ctx, userId, patientId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListPatientsWithChannels(ctx context.Context, userId int) ([]types.Patient, error) {
	args := m.Called(ctx, userId)
	if patients, ok := args.Get(0).([]types.Patient); ok {
		return patients, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListChannelsByPatient(ctx context.Context, patientId int) ([]types.Channel, error) {
	args := m.Called(ctx, patientId)
	if channels, ok := args.Get(0).([]types.Channel); ok {
		return channels, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetReadState(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error) {
	args := m.Called(ctx, userId, room)
	return args.Get(0).(types.ReadState), args.Bool(1), args.Error(2)
}
func (m *MockRepository) AdvanceReadState(ctx context.Context, userId int, room types.Room, messageId msgid.ID) (types.ReadState, error) {
	args := m.Called(ctx, userId, room, messageId)
	return args.Get(0).(types.ReadState), args.Error(1)
}
