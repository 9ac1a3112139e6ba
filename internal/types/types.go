package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/JrmLg/hermes-back/internal/msgid"
)

type RoomType string

const (
	RoomTypeTeam    RoomType = "team"
	RoomTypePrivate RoomType = "private"
	RoomTypeChannel RoomType = "channel"
)

var RoomTypes = []RoomType{RoomTypeTeam, RoomTypePrivate, RoomTypeChannel}

func ParseRoomType(s string) (RoomType, error) {
	switch rt := RoomType(s); rt {
	case RoomTypeTeam, RoomTypePrivate, RoomTypeChannel:
		return rt, nil
	default:
		return "", fmt.Errorf("unknown room type %q", s)
	}
}

// Room identifies a conversation scope.
type Room struct {
	Type RoomType `json:"roomType"`
	Id   int      `json:"roomId"`
}

func (r Room) String() string {
	return string(r.Type) + ":" + strconv.Itoa(r.Id)
}

type Direction string

const (
	DirectionOlder Direction = "older"
	DirectionNewer Direction = "newer"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case "":
		return DirectionOlder, nil
	case DirectionOlder, DirectionNewer:
		return d, nil
	default:
		return "", fmt.Errorf("unknown timeline direction %q", s)
	}
}

type Message struct {
	Id        msgid.ID  `json:"id"`
	RoomType  RoomType  `json:"roomType"`
	RoomId    int       `json:"roomId"`
	AuthorId  int       `json:"authorId"`
	Content   string    `json:"content"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m Message) Room() Room {
	return Room{Type: m.RoomType, Id: m.RoomId}
}

type ReadState struct {
	UserId            int       `json:"userId"`
	RoomType          RoomType  `json:"roomType"`
	RoomId            int       `json:"roomId"`
	LastReadMessageId *msgid.ID `json:"lastReadMessageId"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type RoomInfo struct {
	LastMessage         *Message `json:"lastMessage"`
	UnreadMessagesCount int      `json:"unreadMessagesCount"`
}

type MessagePage struct {
	RoomType   RoomType  `json:"roomType"`
	RoomId     int       `json:"roomId"`
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	Direction  Direction `json:"timelineDirection"`
	// NextOrigin continues the timeline in Direction; PrevOrigin walks back
	// the other way. Both are nil for an empty page.
	NextOrigin *msgid.ID `json:"nextOrigin,omitempty"`
	PrevOrigin *msgid.ID `json:"prevOrigin,omitempty"`
}

type Patient struct {
	Id                   int       `json:"id"`
	Firstname            string    `json:"firstname"`
	Lastname             string    `json:"lastname"`
	Birthdate            time.Time `json:"birthdate"`
	SocialSecurityNumber string    `json:"socialSecurityNumber"`
	PhoneNumber          string    `json:"phoneNumber"`
	Email                string    `json:"email"`
	Address              string    `json:"address"`
	ZipCodeId            int       `json:"zipCodeId"`
	Channels             []Channel `json:"channels,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

type Channel struct {
	Id        int       `json:"id"`
	PatientId int       `json:"patientId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c Channel) Room() Room {
	return Room{Type: RoomTypeChannel, Id: c.Id}
}

type PatientSummary struct {
	Patient
	LastMessage         *Message `json:"lastMessage"`
	UnreadMessagesCount int      `json:"unreadMessagesCount"`
	// Incomplete lists the rooms whose info could not be computed in time.
	Incomplete []Room `json:"incomplete,omitempty"`
}

type ChannelSummary struct {
	Channel
	RoomInfo
	Incomplete bool `json:"incomplete,omitempty"`
}

type Attachment struct {
	Id        string    `json:"id"`
	MessageId msgid.ID  `json:"messageId"`
	Url       string    `json:"url"`
	MimeType  string    `json:"type"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
	EventReadAdvanced   EventType = "read.advanced"
)

// Event is pushed to realtime subscribers of Room.
type Event struct {
	Type      EventType  `json:"type"`
	Room      Room       `json:"room"`
	Message   *Message   `json:"message,omitempty"`
	ReadState *ReadState `json:"readState,omitempty"`
}
