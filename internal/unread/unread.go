package unread

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/stats"
	"github.com/JrmLg/hermes-back/internal/types"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency = 8
	DefaultRoomTimeout = 2 * time.Second
)

type MessageSource interface {
	Latest(ctx context.Context, room types.Room) (*types.Message, error)
	CountAfter(ctx context.Context, room types.Room, after *msgid.ID) (int, error)
}

type ReadStates interface {
	Get(ctx context.Context, userId int, room types.Room) (types.ReadState, bool, error)
}

// Aggregator derives last message previews and unread counts. Multi-room
// calls fan out with at most Concurrency rooms in flight across all callers;
// each room gets RoomTimeout. A room that fails or times out contributes
// nothing and is reported as incomplete instead of failing the whole call.
type Aggregator struct {
	msgs    MessageSource
	reads   ReadStates
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *log.Logger
	stats   stats.StatsProvider
}

type Options struct {
	Concurrency int
	RoomTimeout time.Duration
}

func NewAggregator(msgs MessageSource, reads ReadStates, opts Options, logger *log.Logger, su stats.StatsProvider) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.RoomTimeout <= 0 {
		opts.RoomTimeout = DefaultRoomTimeout
	}

	return &Aggregator{
		msgs:    msgs,
		reads:   reads,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		timeout: opts.RoomTimeout,
		log:     logger,
		stats:   su,
	}
}

// RoomInfo returns the newest live message of the room and how many live
// messages sort after the user's read pointer. Without a read pointer every
// message is unread.
func (a *Aggregator) RoomInfo(ctx context.Context, userId int, room types.Room) (types.RoomInfo, error) {
	last, err := a.msgs.Latest(ctx, room)
	if err != nil {
		return types.RoomInfo{}, fmt.Errorf("last message of room %s: %w", room, err)
	}

	state, found, err := a.reads.Get(ctx, userId, room)
	if err != nil {
		return types.RoomInfo{}, err
	}

	var after *msgid.ID
	if found {
		after = state.LastReadMessageId
	}

	count, err := a.msgs.CountAfter(ctx, room, after)
	if err != nil {
		return types.RoomInfo{}, fmt.Errorf("unread count of room %s: %w", room, err)
	}

	return types.RoomInfo{LastMessage: last, UnreadMessagesCount: count}, nil
}

// collect computes room info for every room. failed[i] is set when rooms[i]
// could not be computed. A cancelled parent context aborts the whole call.
func (a *Aggregator) collect(ctx context.Context, userId int, rooms []types.Room) ([]types.RoomInfo, []bool, error) {
	infos := make([]types.RoomInfo, len(rooms))
	failed := make([]bool, len(rooms))

	var wg sync.WaitGroup
	for i, room := range rooms {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(i int, room types.Room) {
			defer wg.Done()
			defer a.sem.Release(1)

			roomCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			info, err := a.RoomInfo(roomCtx, userId, room)
			if err != nil {
				failed[i] = true
				if ctx.Err() == nil {
					a.log.Printf("room info for user %d in room %s: %v", userId, room, err)
					a.stats.Incr(stats.AggregateRoomFailures)
				}
				return
			}
			infos[i] = info
		}(i, room)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	return infos, failed, nil
}

// PatientSummaries folds the channels of each patient into one preview: the
// newest last message across channels and the summed unread count.
func (a *Aggregator) PatientSummaries(ctx context.Context, userId int, patients []types.Patient) ([]types.PatientSummary, error) {
	var (
		rooms []types.Room
		owner []int
	)
	for i, p := range patients {
		for _, c := range p.Channels {
			rooms = append(rooms, c.Room())
			owner = append(owner, i)
		}
	}

	infos, failed, err := a.collect(ctx, userId, rooms)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.PatientSummary, len(patients))
	for i, p := range patients {
		summaries[i] = types.PatientSummary{Patient: p}
	}

	for j, room := range rooms {
		s := &summaries[owner[j]]
		if failed[j] {
			s.Incomplete = append(s.Incomplete, room)
			continue
		}

		info := infos[j]
		s.UnreadMessagesCount += info.UnreadMessagesCount
		if info.LastMessage != nil && (s.LastMessage == nil || info.LastMessage.Id.After(s.LastMessage.Id)) {
			s.LastMessage = info.LastMessage
		}
	}

	return summaries, nil
}

func (a *Aggregator) ChannelInfos(ctx context.Context, userId int, channels []types.Channel) ([]types.ChannelSummary, error) {
	rooms := make([]types.Room, len(channels))
	for i, c := range channels {
		rooms[i] = c.Room()
	}

	infos, failed, err := a.collect(ctx, userId, rooms)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.ChannelSummary, len(channels))
	for i, c := range channels {
		summaries[i] = types.ChannelSummary{Channel: c, RoomInfo: infos[i], Incomplete: failed[i]}
	}

	return summaries, nil
}
