package readstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const maxTxnRetries = 10

// Store keeps read pointers in badger for single node deployments. Postgres
// deployments use database.PgRepository instead.
type Store struct {
	db  *badger.DB
	log *log.Logger
	now func() time.Time
}

type record struct {
	LastRead  []byte `msgpack:"lr"`
	UpdatedAt int64  `msgpack:"u"`
}

func NewStore(db *badger.DB, logger *log.Logger) *Store {
	return &Store{
		db:  db,
		log: logger,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func key(userId int, room types.Room) []byte {
	return []byte(fmt.Sprintf("read:%020d:%s:%020d", userId, room.Type, room.Id))
}

func (s *Store) Get(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.ReadState{}, false, err
	}

	var (
		state types.ReadState
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		state, found, err = s.load(txn, userId, room)
		return err
	})
	if err != nil {
		return types.ReadState{}, false, fmt.Errorf("get read state of user %d in room %s: %w", userId, room, err)
	}

	return state, found, nil
}

func (s *Store) load(txn *badger.Txn, userId int, room types.Room) (types.ReadState, bool, error) {
	item, err := txn.Get(key(userId, room))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ReadState{UserId: userId, RoomType: room.Type, RoomId: room.Id}, false, nil
	}
	if err != nil {
		return types.ReadState{}, false, err
	}

	var rec record
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	}); err != nil {
		return types.ReadState{}, false, err
	}

	state := types.ReadState{
		UserId:    userId,
		RoomType:  room.Type,
		RoomId:    room.Id,
		UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC(),
	}
	if len(rec.LastRead) > 0 {
		id, err := msgid.FromBytes(rec.LastRead)
		if err != nil {
			return types.ReadState{}, false, err
		}
		state.LastReadMessageId = &id
	}

	return state, true, nil
}

// Advance moves the read pointer to messageId when it sorts after the stored
// one. Concurrent advances conflict in badger and are retried, so the pointer
// always ends at the greatest id regardless of arrival order.
func (s *Store) Advance(ctx context.Context, userId int, room types.Room, messageId msgid.ID) (types.ReadState, error) {
	var (
		state types.ReadState
		err   error
	)
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return types.ReadState{}, err
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			current, _, err := s.load(txn, userId, room)
			if err != nil {
				return err
			}
			if current.LastReadMessageId != nil && !messageId.After(*current.LastReadMessageId) {
				state = current
				return nil
			}

			now := s.now()
			val, err := msgpack.Marshal(&record{LastRead: messageId.Bytes(), UpdatedAt: now.UnixNano()})
			if err != nil {
				return err
			}
			if err := txn.Set(key(userId, room), val); err != nil {
				return err
			}

			id := messageId
			state = types.ReadState{
				UserId:            userId,
				RoomType:          room.Type,
				RoomId:            room.Id,
				LastReadMessageId: &id,
				UpdatedAt:         now,
			}
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.log.Printf("read state conflict for user %d in room %s, retrying (%d)", userId, room, attempt+1)
	}
	if err != nil {
		return types.ReadState{}, fmt.Errorf("advance read state of user %d in room %s to %s: %w", userId, room, messageId, err)
	}

	return state, nil
}
