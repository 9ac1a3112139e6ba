package messagelog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxScan bounds the number of messages a single query may return.
	MaxScan = 500
	// MaxOffset bounds how many live messages a query may skip.
	MaxOffset = 10 * MaxScan

	metaDeleted byte = 1

	maxTxnRetries = 5

	roomLockStripes = 64
)

var (
	ErrNotFound         = errors.New("message not found")
	ErrInvalidLimit     = errors.New("invalid limit")
	ErrInvalidDirection = errors.New("invalid timeline direction")
)

// Query selects messages of a room relative to an origin. Results are always
// ascending by id.
type Query struct {
	Origin    *msgid.ID
	Direction types.Direction
	Offset    int
	Limit     int
}

// Log is the ordered message store. Messages live under
// msg:{roomType}:{roomId}:{id} so a prefix scan yields a room's timeline in id
// order; idx:{id} points back to the message key for lookups by id.
type Log struct {
	db    *badger.DB
	log   *log.Logger
	ids   *msgid.Allocator
	locks [roomLockStripes]sync.Mutex
	now   func() time.Time
}

type record struct {
	Id        []byte `msgpack:"id"`
	RoomType  string `msgpack:"rt"`
	RoomId    int    `msgpack:"rid"`
	AuthorId  int    `msgpack:"aid"`
	Content   string `msgpack:"c"`
	UpdatedAt int64  `msgpack:"u"`
}

func New(db *badger.DB, logger *log.Logger) (*Log, error) {
	l := &Log{
		db:  db,
		log: logger,
		ids: msgid.NewAllocator(),
		now: func() time.Time { return time.Now().UTC() },
	}

	last, err := l.lastId()
	if err != nil {
		return nil, fmt.Errorf("seed id allocator: %w", err)
	}
	if !last.IsNil() {
		l.ids.Observe(last)
	}

	return l, nil
}

func roomPrefix(room types.Room) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d:", room.Type, room.Id))
}

func messageKey(room types.Room, id msgid.ID) []byte {
	return append(roomPrefix(room), id.Bytes()...)
}

var indexPrefix = []byte("idx:")

func indexKey(id msgid.ID) []byte {
	return append(bytes.Clone(indexPrefix), id.Bytes()...)
}

// roomLock serializes appends within a room so that a message becomes visible
// before any message with a greater id in the same room. Rooms hash onto a
// fixed set of stripes; rooms sharing a stripe simply serialize together.
func (l *Log) roomLock(room types.Room) *sync.Mutex {
	return &l.locks[roomStripe(room)]
}

func roomStripe(room types.Room) uint64 {
	return xxhash.Sum64(roomPrefix(room)) % roomLockStripes
}

func (l *Log) lastId() (msgid.ID, error) {
	var last msgid.ID
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = indexPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(bytes.Clone(indexPrefix), bytes.Repeat([]byte{0xff}, msgid.Len)...))
		if !it.ValidForPrefix(indexPrefix) {
			return nil
		}

		id, err := msgid.FromBytes(it.Item().Key()[len(indexPrefix):])
		if err != nil {
			return err
		}
		last = id
		return nil
	})
	return last, err
}

func (l *Log) Append(ctx context.Context, room types.Room, authorId int, content string) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	mu := l.roomLock(room)
	mu.Lock()
	defer mu.Unlock()

	id := l.ids.Next()
	now := l.now()
	rec := record{
		Id:        id.Bytes(),
		RoomType:  string(room.Type),
		RoomId:    room.Id,
		AuthorId:  authorId,
		Content:   content,
		UpdatedAt: now.UnixNano(),
	}

	val, err := msgpack.Marshal(&rec)
	if err != nil {
		return types.Message{}, fmt.Errorf("encode message: %w", err)
	}

	key := messageKey(room, id)
	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, val); err != nil {
			return err
		}
		return txn.Set(indexKey(id), key)
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("append message to room %s: %w", room, err)
	}

	return toMessage(rec, false)
}

func (l *Log) Get(ctx context.Context, id msgid.ID) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	var msg types.Message
	err := l.db.View(func(txn *badger.Txn) error {
		_, item, err := l.lookup(txn, id)
		if err != nil {
			return err
		}
		msg, err = decodeItem(item)
		return err
	})
	if err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

func (l *Log) lookup(txn *badger.Txn, id msgid.ID) ([]byte, *badger.Item, error) {
	idx, err := txn.Get(indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup message %s: %w", id, err)
	}

	key, err := idx.ValueCopy(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("read index of message %s: %w", id, err)
	}

	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get message %s: %w", id, err)
	}

	return key, item, nil
}

// Update replaces the content of a live message. Ownership is checked by the
// caller.
func (l *Log) Update(ctx context.Context, id msgid.ID, content string) (types.Message, error) {
	return l.mutate(ctx, id, func(rec *record) byte {
		rec.Content = content
		return 0
	})
}

// Delete tombstones a message. The key stays in place so cursors that point
// at it still resolve and neighbours keep their order.
func (l *Log) Delete(ctx context.Context, id msgid.ID) (types.Message, error) {
	return l.mutate(ctx, id, func(rec *record) byte {
		rec.Content = ""
		return metaDeleted
	})
}

func (l *Log) mutate(ctx context.Context, id msgid.ID, apply func(rec *record) byte) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	var (
		msg types.Message
		err error
	)
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = l.db.Update(func(txn *badger.Txn) error {
			key, item, err := l.lookup(txn, id)
			if err != nil {
				return err
			}
			if item.UserMeta() == metaDeleted {
				return ErrNotFound
			}

			var rec record
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode message %s: %w", id, err)
			}

			meta := apply(&rec)
			rec.UpdatedAt = l.now().UnixNano()

			val, err := msgpack.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("encode message %s: %w", id, err)
			}
			if err := txn.SetEntry(badger.NewEntry(key, val).WithMeta(meta)); err != nil {
				return err
			}

			msg, err = toMessage(rec, meta == metaDeleted)
			return err
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		l.log.Printf("conflict mutating message %s, retrying (%d)", id, attempt+1)
	}
	if err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

// Page returns up to q.Limit live messages strictly before (older) or after
// (newer) q.Origin. Without an origin, older starts from the most recent
// message and newer from the first one.
func (l *Log) Page(ctx context.Context, room types.Room, q Query) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > MaxScan || q.Offset < 0 || q.Offset > MaxOffset {
		return nil, ErrInvalidLimit
	}

	var reverse bool
	switch q.Direction {
	case types.DirectionOlder:
		reverse = true
	case types.DirectionNewer:
	default:
		return nil, ErrInvalidDirection
	}

	prefix := roomPrefix(room)
	messages := make([]types.Message, 0, q.Limit)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = prefix
		opts.PrefetchSize = min(q.Limit+q.Offset, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		var seek []byte
		switch {
		case q.Origin != nil:
			seek = messageKey(room, *q.Origin)
		case reverse:
			seek = append(bytes.Clone(prefix), bytes.Repeat([]byte{0xff}, msgid.Len+1)...)
		default:
			seek = prefix
		}

		skipped := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			if q.Origin != nil && bytes.Equal(item.Key(), seek) {
				continue
			}
			if item.UserMeta() == metaDeleted {
				continue
			}
			if skipped < q.Offset {
				skipped++
				continue
			}

			msg, err := decodeItem(item)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			if len(messages) == q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("page room %s: %w", room, err)
	}

	if reverse {
		messages = lo.Reverse(messages)
	}
	return messages, nil
}

// Latest returns the most recent live message of the room, or nil for an
// empty room.
func (l *Log) Latest(ctx context.Context, room types.Room) (*types.Message, error) {
	messages, err := l.Page(ctx, room, Query{Direction: types.DirectionOlder, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &messages[0], nil
}

// CountAfter counts live messages whose id is strictly greater than after.
// A nil after counts the whole room.
func (l *Log) CountAfter(ctx context.Context, room types.Room, after *msgid.ID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := roomPrefix(room)
	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if after != nil {
			seek = messageKey(room, *after)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			if after != nil && bytes.Equal(item.Key(), seek) {
				continue
			}
			if item.UserMeta() == metaDeleted {
				continue
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count messages in room %s: %w", room, err)
	}

	return count, nil
}

func decodeItem(item *badger.Item) (types.Message, error) {
	var rec record
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	}); err != nil {
		return types.Message{}, fmt.Errorf("decode message: %w", err)
	}

	return toMessage(rec, item.UserMeta() == metaDeleted)
}

func toMessage(rec record, deleted bool) (types.Message, error) {
	id, err := msgid.FromBytes(rec.Id)
	if err != nil {
		return types.Message{}, err
	}

	return types.Message{
		Id:        id,
		RoomType:  types.RoomType(rec.RoomType),
		RoomId:    rec.RoomId,
		AuthorId:  rec.AuthorId,
		Content:   rec.Content,
		Deleted:   deleted,
		CreatedAt: id.Time(),
		UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC(),
	}, nil
}
