package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/JrmLg/hermes-back/internal/realtime"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
	"github.com/gorilla/websocket"
)

const (
	maxBodyBytes      = 64 << 10
	multipartOverhead = 1 << 20
	attachmentField   = "attachment"
)

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := fromServiceError(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) writeBadRequest(w http.ResponseWriter, fields ...validation.FieldError) {
	errResp := NewBadRequestError(fields...)
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (int, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return userId, ok
}

func decodeJson(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func roomFromPath(r *http.Request) (types.Room, []validation.FieldError) {
	var fields []validation.FieldError

	roomType, err := types.ParseRoomType(r.PathValue("roomType"))
	if err != nil {
		fields = append(fields, validation.FieldError{
			Field:   "roomType",
			Rule:    "oneof",
			Message: "The field 'roomType' must be one of: team, private, channel.",
		})
	}

	roomId, err := strconv.Atoi(r.PathValue("roomId"))
	if err != nil || roomId < 1 {
		fields = append(fields, validation.FieldError{
			Field:   "roomId",
			Rule:    "min",
			Message: "The field 'roomId' must be at least 1.",
		})
	}

	return types.Room{Type: roomType, Id: roomId}, fields
}

func queryInt(values url.Values, name string) (int64, *validation.FieldError) {
	raw := values.Get(name)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &validation.FieldError{
			Field:   name,
			Rule:    "number",
			Message: fmt.Sprintf("The field '%s' must be a number.", name),
		}
	}
	return n, nil
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	room, fields := roomFromPath(r)
	if len(fields) > 0 {
		s.writeBadRequest(w, fields...)
		return
	}

	var in validation.CreateMessage
	if err := decodeJson(r, &in); err != nil {
		s.writeBadRequest(w)
		return
	}

	msg, err := s.svc.CreateMessage(r.Context(), userId, room, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var in validation.UpdateMessage
	if err := decodeJson(r, &in); err != nil {
		s.writeBadRequest(w)
		return
	}

	msg, err := s.svc.UpdateMessage(r.Context(), userId, r.PathValue("messageId"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	msg, err := s.svc.DeleteMessage(r.Context(), userId, r.PathValue("messageId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	room, fields := roomFromPath(r)
	if len(fields) > 0 {
		s.writeBadRequest(w, fields...)
		return
	}

	query := r.URL.Query()
	page, pageErr := queryInt(query, "page")
	pageSize, pageSizeErr := queryInt(query, "pageSize")
	origin, originErr := queryInt(query, "originTimestamp")
	for _, fe := range []*validation.FieldError{pageErr, pageSizeErr, originErr} {
		if fe != nil {
			fields = append(fields, *fe)
		}
	}
	if len(fields) > 0 {
		s.writeBadRequest(w, fields...)
		return
	}

	result, err := s.svc.GetMessages(r.Context(), userId, room, validation.PageQuery{
		Page:            int(page),
		PageSize:        int(pageSize),
		OriginTimestamp: origin,
		OriginId:        query.Get("originId"),
		Direction:       query.Get("timelineDirection"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	room, fields := roomFromPath(r)
	if len(fields) > 0 {
		s.writeBadRequest(w, fields...)
		return
	}

	var in validation.MarkRead
	if err := decodeJson(r, &in); err != nil {
		s.writeBadRequest(w)
		return
	}

	state, err := s.svc.MarkRead(r.Context(), userId, room, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, state)
}

func (s *Server) roomInfo(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	room, fields := roomFromPath(r)
	if len(fields) > 0 {
		s.writeBadRequest(w, fields...)
		return
	}

	info, err := s.svc.RoomInfo(r.Context(), userId, room)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, info)
}

func (s *Server) patientSummaries(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	summaries, err := s.svc.PatientRoomSummaries(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = map[int]types.PatientSummary{}
	}

	s.writeJson(w, http.StatusOK, summaries)
}

func (s *Server) patientChannels(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	patientId, err := strconv.Atoi(r.PathValue("patientId"))
	if err != nil {
		s.writeBadRequest(w, validation.FieldError{
			Field:   "patientId",
			Rule:    "number",
			Message: "The field 'patientId' must be a number.",
		})
		return
	}

	channels, err := s.svc.PatientChannels(r.Context(), userId, patientId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if channels == nil {
		channels = []types.ChannelSummary{}
	}

	s.writeJson(w, http.StatusOK, channels)
}

func (s *Server) attachFile(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.attachmentMaxBytes+multipartOverhead)
	file, _, err := r.FormFile(attachmentField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeBadRequest(w, validation.FieldError{
				Field:   attachmentField,
				Rule:    "max",
				Message: fmt.Sprintf("The field '%s' must be at most %d bytes.", attachmentField, s.attachmentMaxBytes),
			})
			return
		}
		s.writeBadRequest(w, validation.FieldError{
			Field:   attachmentField,
			Rule:    "required",
			Message: fmt.Sprintf("The field '%s' is required.", attachmentField),
		})
		return
	}
	defer file.Close()

	att, err := s.svc.AttachFile(r.Context(), userId, r.PathValue("messageId"), attachmentField, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, att)
}

func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	atts, err := s.svc.ListAttachments(r.Context(), userId, r.PathValue("messageId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if atts == nil {
		atts = []types.Attachment{}
	}

	s.writeJson(w, http.StatusOK, atts)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := realtime.NewClient(userId, conn, s.hub, s.log)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	go client.Write()
	go client.Read()
}
