package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/JrmLg/hermes-back/internal/attachment"
	"github.com/JrmLg/hermes-back/internal/config"
	"github.com/JrmLg/hermes-back/internal/realtime"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/JrmLg/hermes-back/internal/validation"
	"github.com/gorilla/handlers"
)

// ChatService is the room messaging surface the handlers call into.
type ChatService interface {
	Authorize(ctx context.Context, userId int, room types.Room) error
	CreateMessage(ctx context.Context, userId int, room types.Room, in validation.CreateMessage) (types.Message, error)
	UpdateMessage(ctx context.Context, userId int, messageId string, in validation.UpdateMessage) (types.Message, error)
	DeleteMessage(ctx context.Context, userId int, messageId string) (types.Message, error)
	GetMessages(ctx context.Context, userId int, room types.Room, q validation.PageQuery) (types.MessagePage, error)
	MarkRead(ctx context.Context, userId int, room types.Room, in validation.MarkRead) (types.ReadState, error)
	RoomInfo(ctx context.Context, userId int, room types.Room) (types.RoomInfo, error)
	PatientRoomSummaries(ctx context.Context, userId int) (map[int]types.PatientSummary, error)
	PatientChannels(ctx context.Context, userId, patientId int) ([]types.ChannelSummary, error)
	AttachFile(ctx context.Context, userId int, messageId, field string, r io.Reader) (types.Attachment, error)
	ListAttachments(ctx context.Context, userId int, messageId string) ([]types.Attachment, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	log                *log.Logger
	svc                ChatService
	db                 HealthChecker
	hub                *realtime.Hub
	mux                *http.Server
	signingKey         []byte
	allowedOrigins     []string
	attachmentMaxBytes int64
}

func NewServer(mux *http.ServeMux, logger *log.Logger, svc ChatService, hub *realtime.Hub, db HealthChecker, cfg *config.Config) *Server {
	s := &Server{
		log:                logger,
		svc:                svc,
		db:                 db,
		hub:                hub,
		signingKey:         cfg.SigningKey,
		allowedOrigins:     cfg.AllowedOrigins,
		attachmentMaxBytes: cfg.AttachmentMaxBytes,
	}
	if s.attachmentMaxBytes <= 0 {
		s.attachmentMaxBytes = attachment.DefaultMaxSize
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/rooms/{roomType}/{roomId}/messages", s.authMiddleware(s.createMessage))
	mux.Handle("GET /api/rooms/{roomType}/{roomId}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("PUT /api/rooms/{roomType}/{roomId}/read", s.authMiddleware(s.markRead))
	mux.Handle("GET /api/rooms/{roomType}/{roomId}", s.authMiddleware(s.roomInfo))
	mux.Handle("PATCH /api/messages/{messageId}", s.authMiddleware(s.updateMessage))
	mux.Handle("DELETE /api/messages/{messageId}", s.authMiddleware(s.deleteMessage))
	mux.Handle("POST /api/messages/{messageId}/attachments", s.authMiddleware(s.attachFile))
	mux.Handle("GET /api/messages/{messageId}/attachments", s.authMiddleware(s.listAttachments))
	mux.Handle("GET /api/patients", s.authMiddleware(s.patientSummaries))
	mux.Handle("GET /api/patients/{patientId}/channels", s.authMiddleware(s.patientChannels))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	if cfg.AttachmentDir != "" {
		files := http.StripPrefix(attachment.URLPrefix, http.FileServer(http.Dir(cfg.AttachmentDir)))
		mux.Handle("GET "+attachment.URLPrefix, s.authMiddleware(files.ServeHTTP))
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux.Handler
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
