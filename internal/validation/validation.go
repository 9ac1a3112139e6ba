package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const MaxContentLength = 4000

type CreateMessage struct {
	Content string `json:"content" validate:"required,notblank,max=4000"`
}

// UpdateMessage is a partial update: an empty content leaves the message
// unchanged.
type UpdateMessage struct {
	Content string `json:"content" validate:"omitempty,notblank,max=4000"`
}

// Room mirrors the payload a websocket client sends to join or leave a room.
type Room struct {
	RoomType string `json:"roomType" validate:"required,oneof=team private channel"`
	RoomId   int    `json:"roomId" validate:"required,min=1"`
}

type MarkRead struct {
	MessageId string `json:"messageId" validate:"required,len=20,alphanum,lowercase"`
}

type PageQuery struct {
	Page            int    `json:"page" validate:"min=0,max=5001"`
	PageSize        int    `json:"pageSize" validate:"min=0,max=100"`
	OriginTimestamp int64  `json:"originTimestamp" validate:"min=0"`
	OriginId        string `json:"originId" validate:"omitempty,len=20,alphanum,lowercase"`
	Direction       string `json:"timelineDirection" validate:"omitempty,oneof=older newer"`
}

type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error carries every field that failed validation.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	return "schema validation error: " + strings.Join(lo.Map(e.Fields, func(f FieldError, _ int) string {
		return f.Message
	}), "; ")
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// registration only fails for empty tags or nil functions
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return &Validator{v: v}
}

// Struct validates s and returns an *Error listing the offending fields.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	return &Error{Fields: lo.Map(verrs, func(fe validator.FieldError, _ int) FieldError {
		return FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: message(fe),
		}
	})}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("The field '%s' is required.", fe.Field())
	case "oneof":
		return fmt.Sprintf("The field '%s' must be one of: %s.", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		return fmt.Sprintf("The field '%s' must be at least %s.", fe.Field(), fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("The field '%s' must be at most %s characters long.", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("The field '%s' must be at most %s.", fe.Field(), fe.Param())
	case "len", "alphanum", "lowercase":
		return fmt.Sprintf("The field '%s' is not a valid message id.", fe.Field())
	default:
		return fmt.Sprintf("The field '%s' is invalid.", fe.Field())
	}
}
