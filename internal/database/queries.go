package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
)

const (
	getReadStateQuery = "SELECT last_read_message_id, updated_at FROM read_states " +
		"WHERE user_id = $1 AND room_type = $2 AND room_id = $3"

	advanceReadStateQuery = `
		INSERT INTO read_states (user_id, room_type, room_id, last_read_message_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, room_type, room_id) DO UPDATE SET
			last_read_message_id = GREATEST(read_states.last_read_message_id, EXCLUDED.last_read_message_id),
			updated_at = CASE
				WHEN read_states.last_read_message_id IS NULL
					OR EXCLUDED.last_read_message_id > read_states.last_read_message_id
				THEN EXCLUDED.updated_at
				ELSE read_states.updated_at
			END
		RETURNING last_read_message_id, updated_at`
)

func (db *PgRepository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (db *PgRepository) IsTeamMember(ctx context.Context, userId, teamId int) (bool, error) {
	ok, err := db.exists(ctx,
		"SELECT EXISTS (SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2)",
		teamId,
		userId,
	)
	if err != nil {
		return false, fmt.Errorf("team membership of user %d in team %d: %w", userId, teamId, err)
	}
	return ok, nil
}

func (db *PgRepository) IsPrivateRoomMember(ctx context.Context, userId, roomId int) (bool, error) {
	ok, err := db.exists(ctx,
		"SELECT EXISTS (SELECT 1 FROM private_room_members WHERE room_id = $1 AND user_id = $2)",
		roomId,
		userId,
	)
	if err != nil {
		return false, fmt.Errorf("private room membership of user %d in room %d: %w", userId, roomId, err)
	}
	return ok, nil
}

// IsChannelMember reports whether the user is one of the care users of the
// patient owning the channel.
func (db *PgRepository) IsChannelMember(ctx context.Context, userId, channelId int) (bool, error) {
	ok, err := db.exists(ctx,
		"SELECT EXISTS ("+
			"SELECT 1 FROM channels c JOIN patient_users pu ON pu.patient_id = c.patient_id "+
			"WHERE c.id = $1 AND pu.user_id = $2)",
		channelId,
		userId,
	)
	if err != nil {
		return false, fmt.Errorf("channel membership of user %d in channel %d: %w", userId, channelId, err)
	}
	return ok, nil
}

func (db *PgRepository) IsPatientCareUser(ctx context.Context, userId, patientId int) (bool, error) {
	ok, err := db.exists(ctx,
		"SELECT EXISTS (SELECT 1 FROM patient_users WHERE patient_id = $1 AND user_id = $2)",
		patientId,
		userId,
	)
	if err != nil {
		return false, fmt.Errorf("care users of patient %d: %w", patientId, err)
	}
	return ok, nil
}

func (db *PgRepository) ListPatientsWithChannels(ctx context.Context, userId int) ([]types.Patient, error) {
	query := `
		SELECT
				p.id,
				p.firstname,
				p.lastname,
				p.birthdate,
				p.social_security_number,
				p.phone_number,
				p.email,
				p.address,
				p.zip_code_id,
				p.created_at,
				p.updated_at,
				c.id,
				c.name,
				c.created_at,
				c.updated_at
		FROM patients p
		JOIN patient_users pu ON pu.patient_id = p.id
		LEFT JOIN channels c ON c.patient_id = p.id
		WHERE pu.user_id = $1
		ORDER BY p.id, c.id;
`

	rows, err := db.conn.QueryContext(ctx, query, userId)
	if err != nil {
		return nil, fmt.Errorf("list patients of user %d: %w", userId, err)
	}
	defer rows.Close()

	patients := make([]types.Patient, 0)
	for rows.Next() {
		var (
			p                types.Patient
			zipCodeId        sql.NullInt64
			channelId        sql.NullInt64
			channelName      sql.NullString
			channelCreatedAt sql.NullTime
			channelUpdatedAt sql.NullTime
		)

		err := rows.Scan(
			&p.Id,
			&p.Firstname,
			&p.Lastname,
			&p.Birthdate,
			&p.SocialSecurityNumber,
			&p.PhoneNumber,
			&p.Email,
			&p.Address,
			&zipCodeId,
			&p.CreatedAt,
			&p.UpdatedAt,
			&channelId,
			&channelName,
			&channelCreatedAt,
			&channelUpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if len(patients) == 0 || patients[len(patients)-1].Id != p.Id {
			p.ZipCodeId = int(zipCodeId.Int64)
			p.Channels = make([]types.Channel, 0)
			patients = append(patients, p)
		}

		if channelId.Valid {
			current := &patients[len(patients)-1]
			current.Channels = append(current.Channels, types.Channel{
				Id:        int(channelId.Int64),
				PatientId: p.Id,
				Name:      channelName.String,
				CreatedAt: channelCreatedAt.Time,
				UpdatedAt: channelUpdatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return patients, nil
}

func (db *PgRepository) ListChannelsByPatient(ctx context.Context, patientId int) ([]types.Channel, error) {
	var found bool
	if err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)",
		patientId,
	).Scan(&found); err != nil {
		return nil, fmt.Errorf("lookup patient %d: %w", patientId, err)
	}
	if !found {
		return nil, ErrPatientNotFound
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, patient_id, name, created_at, updated_at FROM channels "+
			"WHERE patient_id = $1 ORDER BY id",
		patientId,
	)
	if err != nil {
		return nil, fmt.Errorf("list channels of patient %d: %w", patientId, err)
	}
	defer rows.Close()

	channels := make([]types.Channel, 0)
	for rows.Next() {
		var c types.Channel
		if err := rows.Scan(&c.Id, &c.PatientId, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		channels = append(channels, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return channels, nil
}

func (db *PgRepository) GetReadState(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error) {
	state := types.ReadState{UserId: userId, RoomType: room.Type, RoomId: room.Id}

	var lastRead msgid.ID
	err := db.conn.QueryRowContext(ctx,
		getReadStateQuery,
		userId,
		room.Type,
		room.Id,
	).Scan(&lastRead, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, false, nil
	}
	if err != nil {
		return types.ReadState{}, false, fmt.Errorf("get read state of user %d in room %s: %w", userId, room, err)
	}

	if !lastRead.IsNil() {
		state.LastReadMessageId = &lastRead
	}
	return state, true, nil
}

// AdvanceReadState moves the read pointer forward in a single statement.
// GREATEST keeps the larger id when concurrent advances race.
func (db *PgRepository) AdvanceReadState(ctx context.Context, userId int, room types.Room, messageId msgid.ID) (types.ReadState, error) {
	state := types.ReadState{UserId: userId, RoomType: room.Type, RoomId: room.Id}

	var lastRead msgid.ID
	err := db.conn.QueryRowContext(ctx,
		advanceReadStateQuery,
		userId,
		room.Type,
		room.Id,
		messageId,
		time.Now().UTC(),
	).Scan(&lastRead, &state.UpdatedAt)
	if err != nil {
		return types.ReadState{}, fmt.Errorf("advance read state of user %d in room %s to %s: %w", userId, room, messageId, err)
	}

	if !lastRead.IsNil() {
		state.LastReadMessageId = &lastRead
	}
	return state, nil
}

// ReadStates exposes the read pointer queries under the read state store
// method set.
func (db *PgRepository) ReadStates() *PgReadStateStore {
	return &PgReadStateStore{repo: db}
}

type PgReadStateStore struct {
	repo *PgRepository
}

func (s *PgReadStateStore) Get(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error) {
	return s.repo.GetReadState(ctx, userId, room)
}

func (s *PgReadStateStore) Advance(ctx context.Context, userId int, room types.Room, messageId msgid.ID) (types.ReadState, error) {
	return s.repo.AdvanceReadState(ctx, userId, room, messageId)
}
