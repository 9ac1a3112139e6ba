package msgid

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/xid"
)

// ID is the ordering key of a message. It uses the xid layout (4 byte unix
// seconds, machine id, pid, counter) so byte order is creation order and the
// creation instant can be recovered with second granularity.
type ID struct {
	raw xid.ID
}

var Nil = ID{}

// Max sorts after every id that can be allocated.
var Max = ID{raw: xid.ID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}

const Len = 12

func FromString(s string) (ID, error) {
	raw, err := xid.FromString(s)
	if err != nil {
		return Nil, fmt.Errorf("parse message id %q: %w", s, err)
	}
	return ID{raw: raw}, nil
}

func FromBytes(b []byte) (ID, error) {
	raw, err := xid.FromBytes(b)
	if err != nil {
		return Nil, fmt.Errorf("parse message id bytes: %w", err)
	}
	return ID{raw: raw}, nil
}

// Floor returns the smallest possible id for the given instant. Every id
// allocated at or after t (second granularity) compares greater or equal.
// Instants outside the 32 bit range of the id clamp to Nil or Max.
func Floor(t time.Time) ID {
	unix := t.Unix()
	switch {
	case unix < 0:
		return Nil
	case unix > math.MaxUint32:
		return Max
	}

	var raw xid.ID
	secs := uint32(unix)
	raw[0] = byte(secs >> 24)
	raw[1] = byte(secs >> 16)
	raw[2] = byte(secs >> 8)
	raw[3] = byte(secs)
	return ID{raw: raw}
}

func (id ID) String() string {
	return id.raw.String()
}

func (id ID) Bytes() []byte {
	return id.raw.Bytes()
}

func (id ID) IsNil() bool {
	return id.raw.IsNil()
}

func (id ID) Time() time.Time {
	return id.raw.Time().UTC()
}

func (id ID) Compare(other ID) int {
	return bytes.Compare(id.raw[:], other.raw[:])
}

func (id ID) After(other ID) bool {
	return id.Compare(other) > 0
}

func (id ID) Before(other ID) bool {
	return id.Compare(other) < 0
}

// next returns the id immediately following id in byte order.
func (id ID) next() ID {
	n := id
	for i := Len - 1; i >= 0; i-- {
		n.raw[i]++
		if n.raw[i] != 0 {
			break
		}
	}
	return n
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := FromString(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = Nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return id.UnmarshalText([]byte(s))
}

// Value stores the id as its raw bytes so that bytea comparison in Postgres
// matches id order.
func (id ID) Value() (driver.Value, error) {
	if id.IsNil() {
		return nil, nil
	}
	return id.Bytes(), nil
}

func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = Nil
		return nil
	case []byte:
		parsed, err := FromBytes(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case string:
		return id.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into message id", src)
	}
}

// Allocator hands out ids that strictly increase across calls. xid alone
// orders ids by second and then by a process-wide counter, which can wrap or
// go backwards when the clock is adjusted, so the allocator keeps the last id
// it issued and bumps past it when needed.
type Allocator struct {
	mu   sync.Mutex
	last ID
	now  func() time.Time
}

func NewAllocator() *Allocator {
	return &Allocator{now: time.Now}
}

// Observe seeds the allocator with an id that already exists in storage so
// ids issued after a restart still sort after it.
func (a *Allocator) Observe(id ID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id.After(a.last) {
		a.last = id
	}
}

func (a *Allocator) Next() ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := ID{raw: xid.NewWithTime(a.now())}
	if !id.After(a.last) {
		id = a.last.next()
	}
	a.last = id
	return id
}
