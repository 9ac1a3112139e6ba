package chat

import (
	"errors"
	"fmt"

	"github.com/JrmLg/hermes-back/internal/msgid"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
)

var (
	ErrForbidden       = errors.New("you are not allowed to access this room")
	ErrNotAuthor       = fmt.Errorf("%w: only the author may change a message", ErrForbidden)
	ErrNotFound        = errors.New("message not found")
	ErrPatientNotFound = errors.New("patient not found")
)

type ValidationError struct {
	Fields []validation.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "schema validation error"
	}
	return "schema validation error: " + e.Fields[0].Message
}

func newValidationError(err error) error {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return &ValidationError{Fields: verr.Fields}
	}
	return err
}

func fieldError(field, rule, message string) *ValidationError {
	return &ValidationError{Fields: []validation.FieldError{{Field: field, Rule: rule, Message: message}}}
}

// ConsistencyError reports a write that landed in one store but not in the
// other. The message exists; the author's read pointer was not advanced and
// the client may retry marking it read.
type ConsistencyError struct {
	Op        string
	Room      types.Room
	MessageId msgid.ID
	Err       error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: room %s message %s: %v", e.Op, e.Room, e.MessageId, e.Err)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}
