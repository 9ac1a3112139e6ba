package database

import (
	"context"
	"errors"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
)

var ErrPatientNotFound = errors.New("patient not found")

// Repository is the relational side of the service: room membership, the
// patient directory and, when configured, read pointers.
type Repository interface {
	Ping(ctx context.Context) error
	IsTeamMember(ctx context.Context, userId, teamId int) (bool, error)
	IsPrivateRoomMember(ctx context.Context, userId, roomId int) (bool, error)
	IsChannelMember(ctx context.Context, userId, channelId int) (bool, error)
	IsPatientCareUser(ctx context.Context, userId, patientId int) (bool, error)
	ListPatientsWithChannels(ctx context.Context, userId int) ([]types.Patient, error)
	ListChannelsByPatient(ctx context.Context, patientId int) ([]types.Channel, error)
	GetReadState(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error)
	AdvanceReadState(ctx context.Context, userId int, room types.Room, messageId msgid.ID) (types.ReadState, error)
}
