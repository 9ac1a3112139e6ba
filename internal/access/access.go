package access

import (
	"context"
	"fmt"
	"log"

	"github.com/JrmLg/hermes-back/internal/types"
)

// Membership answers room membership questions. database.PgRepository
// implements it.
type Membership interface {
	IsTeamMember(ctx context.Context, userId, teamId int) (bool, error)
	IsPrivateRoomMember(ctx context.Context, userId, roomId int) (bool, error)
	IsChannelMember(ctx context.Context, userId, channelId int) (bool, error)
}

// Authorizer decides whether a user may read and write in a room. Every call
// goes to the membership store; nothing is cached.
type Authorizer struct {
	members Membership
	log     *log.Logger
}

func NewAuthorizer(members Membership, logger *log.Logger) *Authorizer {
	return &Authorizer{members: members, log: logger}
}

// CanAccess returns false without an error when the user is not a member.
// Errors are reserved for store failures and unknown room types.
func (a *Authorizer) CanAccess(ctx context.Context, userId int, room types.Room) (bool, error) {
	if room.Id <= 0 || userId <= 0 {
		return false, nil
	}

	var (
		ok  bool
		err error
	)
	switch room.Type {
	case types.RoomTypeTeam:
		ok, err = a.members.IsTeamMember(ctx, userId, room.Id)
	case types.RoomTypePrivate:
		ok, err = a.members.IsPrivateRoomMember(ctx, userId, room.Id)
	case types.RoomTypeChannel:
		ok, err = a.members.IsChannelMember(ctx, userId, room.Id)
	default:
		return false, fmt.Errorf("unknown room type %q", room.Type)
	}
	if err != nil {
		a.log.Printf("membership lookup for user %d in room %s: %v", userId, room, err)
		return false, fmt.Errorf("check access to room %s: %w", room, err)
	}

	return ok, nil
}
