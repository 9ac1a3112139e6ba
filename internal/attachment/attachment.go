package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/teris-io/shortid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultMaxSize = 10 << 20
	URLPrefix      = "/attachments/"
)

var (
	ErrTooLarge = errors.New("attachment too large")
	ErrEmpty    = errors.New("attachment is empty")
)

// Linker stores uploaded files on disk and records them against a message.
// Records live in badger under att:{messageId}:{attachmentId}.
type Linker struct {
	db      *badger.DB
	dir     string
	maxSize int64
	log     *log.Logger
	now     func() time.Time
}

type record struct {
	Id        string `msgpack:"id"`
	MessageId []byte `msgpack:"mid"`
	Url       string `msgpack:"url"`
	MimeType  string `msgpack:"mime"`
	Filename  string `msgpack:"fn"`
	Size      int64  `msgpack:"sz"`
	CreatedAt int64  `msgpack:"c"`
}

func NewLinker(db *badger.DB, dir string, maxSize int64, logger *log.Logger) (*Linker, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	return &Linker{
		db:      db,
		dir:     dir,
		maxSize: maxSize,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *Linker) Dir() string {
	return l.dir
}

func prefix(messageId msgid.ID) []byte {
	return append(append([]byte("att:"), messageId.Bytes()...), ':')
}

// Link writes the content of r to disk and records it for messageId. The
// stored type is detected from the content, never from the client.
func (l *Linker) Link(ctx context.Context, messageId msgid.ID, field string, r io.Reader) (types.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return types.Attachment{}, err
	}

	sid, err := shortid.Generate()
	if err != nil {
		return types.Attachment{}, fmt.Errorf("generate file name: %w", err)
	}
	base := fmt.Sprintf("%s-%s", field, sid)

	tmp, err := os.CreateTemp(l.dir, base+"-*.part")
	if err != nil {
		return types.Attachment{}, fmt.Errorf("create attachment file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpPath)
		}
	}()

	size, err := io.Copy(tmp, io.LimitReader(r, l.maxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return types.Attachment{}, fmt.Errorf("write attachment: %w", err)
	}
	if size == 0 {
		return types.Attachment{}, ErrEmpty
	}
	if size > l.maxSize {
		return types.Attachment{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, l.maxSize)
	}

	mime, err := mimetype.DetectFile(tmpPath)
	if err != nil {
		return types.Attachment{}, fmt.Errorf("detect attachment type: %w", err)
	}

	filename := base + mime.Extension()
	if err := os.Rename(tmpPath, filepath.Join(l.dir, filename)); err != nil {
		return types.Attachment{}, fmt.Errorf("rename attachment: %w", err)
	}
	keep = true

	rec := record{
		Id:        uuid.NewString(),
		MessageId: messageId.Bytes(),
		Url:       URLPrefix + filename,
		MimeType:  mime.String(),
		Filename:  filename,
		Size:      size,
		CreatedAt: l.now().UnixNano(),
	}

	val, err := msgpack.Marshal(&rec)
	if err == nil {
		err = l.db.Update(func(txn *badger.Txn) error {
			return txn.Set(append(prefix(messageId), rec.Id...), val)
		})
	}
	if err != nil {
		if rmErr := os.Remove(filepath.Join(l.dir, filename)); rmErr != nil {
			l.log.Printf("remove orphaned attachment %s: %v", filename, rmErr)
		}
		return types.Attachment{}, fmt.Errorf("record attachment of message %s: %w", messageId, err)
	}

	return toAttachment(rec, messageId), nil
}

func (l *Linker) List(ctx context.Context, messageId msgid.ID) ([]types.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := prefix(messageId)
	attachments := make([]types.Attachment, 0)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			attachments = append(attachments, toAttachment(rec, messageId))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments of message %s: %w", messageId, err)
	}

	return attachments, nil
}

func toAttachment(rec record, messageId msgid.ID) types.Attachment {
	return types.Attachment{
		Id:        rec.Id,
		MessageId: messageId,
		Url:       rec.Url,
		MimeType:  rec.MimeType,
		Filename:  rec.Filename,
		Size:      rec.Size,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}
}
