package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JrmLg/hermes-back/internal/messagelog"
	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

var (
	ErrInvalidPageSize  = errors.New("invalid page size")
	ErrPageOutOfRange   = errors.New("page out of range")
	ErrInvalidDirection = errors.New("invalid timeline direction")
)

type Source interface {
	Page(ctx context.Context, room types.Room, q messagelog.Query) ([]types.Message, error)
}

// Request describes one page of a room timeline. Page is 1-based and counts
// whole pages away from the origin. OriginId wins over OriginTime; with
// neither, older pages start at the newest message and newer pages at the
// first one.
type Request struct {
	Page       int
	PageSize   int
	OriginId   *msgid.ID
	OriginTime time.Time
	Direction  types.Direction
}

type Paginator struct {
	src Source
}

func NewPaginator(src Source) *Paginator {
	return &Paginator{src: src}
}

func (p *Paginator) Page(ctx context.Context, room types.Room, req Request) (types.MessagePage, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = DefaultPageSize
	}
	if req.PageSize < 0 || req.PageSize > MaxPageSize {
		return types.MessagePage{}, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidPageSize, req.PageSize, MaxPageSize)
	}

	switch req.Direction {
	case "":
		req.Direction = types.DirectionOlder
	case types.DirectionOlder, types.DirectionNewer:
	default:
		return types.MessagePage{}, fmt.Errorf("%w: %q", ErrInvalidDirection, req.Direction)
	}

	// compare before multiplying so a huge page cannot overflow the offset
	if req.Page-1 > messagelog.MaxOffset/req.PageSize {
		return types.MessagePage{}, fmt.Errorf("%w: page %d", ErrPageOutOfRange, req.Page)
	}
	offset := (req.Page - 1) * req.PageSize

	q := messagelog.Query{
		Origin:    origin(req),
		Direction: req.Direction,
		Offset:    offset,
		Limit:     req.PageSize + 1,
	}

	messages, err := p.src.Page(ctx, room, q)
	if err != nil {
		return types.MessagePage{}, err
	}

	// one extra message was requested to learn whether more exist; it sits
	// at the far end of the page in the direction of travel
	hasMore := len(messages) > req.PageSize
	if hasMore {
		if req.Direction == types.DirectionOlder {
			messages = messages[1:]
		} else {
			messages = messages[:req.PageSize]
		}
	}

	page := types.MessagePage{
		RoomType:  room.Type,
		RoomId:    room.Id,
		Messages:  messages,
		HasMore:   hasMore,
		Page:      req.Page,
		PageSize:  req.PageSize,
		Direction: req.Direction,
	}

	if len(messages) > 0 {
		oldest, newest := messages[0].Id, messages[len(messages)-1].Id
		if req.Direction == types.DirectionOlder {
			page.NextOrigin, page.PrevOrigin = &oldest, &newest
		} else {
			page.NextOrigin, page.PrevOrigin = &newest, &oldest
		}
	}

	return page, nil
}

func origin(req Request) *msgid.ID {
	if req.OriginId != nil {
		id := *req.OriginId
		return &id
	}
	if !req.OriginTime.IsZero() {
		// ids carry whole seconds, so a timestamp origin includes every
		// message of its own second in both directions
		at := req.OriginTime
		if req.Direction == types.DirectionOlder {
			at = at.Truncate(time.Second).Add(time.Second)
		}
		floor := msgid.Floor(at)
		return &floor
	}
	return nil
}
