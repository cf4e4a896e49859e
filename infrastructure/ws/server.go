// Package ws exposes the messaging core over WebSocket JSON frames.
package ws

import (
	"campus-chat/auth"
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/errors"
	"campus-chat/observability"
	"campus-chat/services"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

const (
	maxFramePayloadBytes   = 8 << 20
	maxFramesPerSecond     = 40
	frameBurst             = 40
	maxDecodeErrorsPerConn = 3
)

// Channel is the realtime side the server subscribes sessions to.
type Channel interface {
	Join(ctx context.Context, sessionID string, identityID domain.IdentityID, conversationID domain.ConversationID, sink contract.EventSink) error
	Leave(ctx context.Context, sessionID string, conversationID domain.ConversationID) error
}

type handlerFunc func(ctx context.Context, s *connSession, frame Frame) (any, []string, error)

type Server struct {
	log             *slog.Logger
	authService     services.IAuthService
	tokenizer       *auth.Tokenizer
	gateway         services.IMessagingGateway
	resolver        services.IConversationResolver
	members         services.IMembershipManager
	channel         Channel
	monitor         *observability.MonitoringManager
	validate        *validator.Validate
	sinkBufferSize  int
	attachmentsRoot string
	frameLimit      rate.Limit
	frameBurst      int
	handlers        map[string]handlerFunc
}

func NewServer(log *slog.Logger,
	authService services.IAuthService,
	tokenizer *auth.Tokenizer,
	gateway services.IMessagingGateway,
	resolver services.IConversationResolver,
	members services.IMembershipManager,
	channel Channel,
	monitor *observability.MonitoringManager,
	sinkBufferSize int,
	attachmentsRoot string) *Server {
	s := &Server{
		log:             log,
		authService:     authService,
		tokenizer:       tokenizer,
		gateway:         gateway,
		resolver:        resolver,
		members:         members,
		channel:         channel,
		monitor:         monitor,
		validate:        validator.New(),
		sinkBufferSize:  sinkBufferSize,
		attachmentsRoot: attachmentsRoot,
		frameLimit:      rate.Limit(maxFramesPerSecond),
		frameBurst:      frameBurst,
	}
	s.handlers = map[string]handlerFunc{
		TypeConversationList:        s.handleConversationList,
		TypeConversationDirect:      s.handleConversationDirect,
		TypeConversationGroupCreate: s.handleGroupCreate,
		TypeConversationRename:      s.handleRename,
		TypeConversationDelete:      s.handleDelete,
		TypeMemberAdd:               s.handleMemberAdd,
		TypeMemberRemove:            s.handleMemberRemove,
		TypeMemberList:              s.handleMemberList,
		TypeBlockOtherParty:         s.handleBlockOtherParty,
		TypeMessageSend:             s.handleSend,
		TypeMessageList:             s.handleMessageList,
		TypeChannelSubscribe:        s.handleSubscribe,
		TypeChannelUnsubscribe:      s.handleUnsubscribe,
	}
	return s
}

// Handler routes /up, /ws and /attachments/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(s.handleConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		identity, err := s.authService.Authenticate(r.Context(), token)
		if err != nil {
			s.log.Debug("WebSocket unauthorized", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	if s.attachmentsRoot != "" {
		files := http.StripPrefix("/attachments/", http.FileServer(http.Dir(s.attachmentsRoot)))
		mux.Handle("/attachments/", auth.Middleware(s.tokenizer, files))
	}
	return mux
}

type identityContextKey struct{}

func (s *Server) handleConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxFramePayloadBytes
	defer func() {
		_ = conn.Close()
	}()

	identity, ok := conn.Request().Context().Value(identityContextKey{}).(domain.Identity)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := newConnSession(uuid.NewString(), identity, newPeer(json.NewEncoder(conn)), s.frameLimit, s.frameBurst)
	s.monitor.SessionOpened()
	s.log.Debug("Session opened", "session", session.id, "identity", identity.ID)
	defer func() {
		s.closeSubscription(session)
		s.monitor.SessionClosed()
		s.log.Debug("Session closed", "session", session.id, "identity", identity.ID)
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0

	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			decodeErrors++
			_ = session.peer.writeError("", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if !session.limiter.Allow() {
			_ = session.peer.writeError(frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		s.dispatch(ctx, session, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, session *connSession, frame Frame) {
	handler, ok := s.handlers[frame.Type]
	if !ok {
		_ = session.peer.writeError(frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		return
	}
	result, warnings, err := handler(ctx, session, frame)
	if err != nil {
		code := errors.Code(err)
		if code == "INTERNAL" {
			s.log.Error("Request failed", "type", frame.Type, "session", session.id, "error", err)
		}
		_ = session.peer.writeError(frame.RequestID, code, errors.Describe(err))
		return
	}
	for _, w := range warnings {
		s.log.Warn("Request completed with warning", "type", frame.Type, "session", session.id, "warning", w)
	}
	_ = session.peer.writeFrame(Frame{
		Type:      TypeAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(AckPayload{Result: mustJSON(result), Warnings: warnings}),
	})
}

// decode unmarshals and validates a payload. Failures are InvalidArgument.
func (s *Server) decode(frame Frame, v any) error {
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, v); err != nil {
			return fmt.Errorf("%w: malformed %s payload", errors.ErrInvalidArgument, frame.Type)
		}
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidArgument, err)
	}
	return nil
}

func (s *Server) handleConversationList(ctx context.Context, session *connSession, _ Frame) (any, []string, error) {
	summaries, err := s.gateway.ListConversations(ctx, session.identity.ID)
	if err != nil {
		return nil, nil, err
	}
	return ToConversationDTOs(summaries), nil, nil
}

func (s *Server) handleConversationDirect(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req DirectRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID, err := s.resolver.ResolveDirect(ctx, session.identity.ID, domain.DirectoryID(req.DirectoryID))
	if err != nil {
		return nil, nil, err
	}
	return ConversationRef{ConversationID: string(conversationID)}, nil, nil
}

func (s *Server) handleGroupCreate(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req GroupCreateRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	members := make([]domain.DirectoryID, 0, len(req.Members))
	for _, m := range req.Members {
		members = append(members, domain.DirectoryID(m))
	}
	created, err := s.resolver.CreateGroup(ctx, session.identity.ID, req.Name, members)
	if err != nil {
		return nil, nil, err
	}
	dropped := make([]string, 0, len(created.Dropped))
	for _, d := range created.Dropped {
		dropped = append(dropped, string(d))
	}
	return GroupCreatedResponse{ConversationID: string(created.ConversationID), Dropped: dropped}, nil, nil
}

func (s *Server) handleRename(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req RenameRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID := domain.ConversationID(req.ConversationID)
	if err := s.gateway.CanView(ctx, session.identity.ID, conversationID); err != nil {
		return nil, nil, err
	}
	if err := s.members.Rename(ctx, conversationID, req.Name); err != nil {
		return nil, nil, err
	}
	return ConversationRef{ConversationID: req.ConversationID}, nil, nil
}

func (s *Server) handleDelete(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req ConversationRef
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID := domain.ConversationID(req.ConversationID)
	if err := s.gateway.CanView(ctx, session.identity.ID, conversationID); err != nil {
		return nil, nil, err
	}
	result, err := s.members.DeleteConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return req, result.Warnings, nil
}

func (s *Server) handleMemberAdd(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req MemberRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID := domain.ConversationID(req.ConversationID)
	if err := s.gateway.CanView(ctx, session.identity.ID, conversationID); err != nil {
		return nil, nil, err
	}
	if err := s.members.AddMember(ctx, conversationID, domain.DirectoryID(req.DirectoryID)); err != nil {
		return nil, nil, err
	}
	return req, nil, nil
}

func (s *Server) handleMemberRemove(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req MemberRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID := domain.ConversationID(req.ConversationID)
	if err := s.gateway.CanView(ctx, session.identity.ID, conversationID); err != nil {
		return nil, nil, err
	}
	if err := s.members.RemoveMember(ctx, conversationID, domain.DirectoryID(req.DirectoryID)); err != nil {
		return nil, nil, err
	}
	return req, nil, nil
}

func (s *Server) handleMemberList(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req ConversationRef
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID := domain.ConversationID(req.ConversationID)
	if err := s.gateway.CanView(ctx, session.identity.ID, conversationID); err != nil {
		return nil, nil, err
	}
	profiles, err := s.members.ListMembersWithProfiles(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return ToMemberDTOs(profiles), nil, nil
}

func (s *Server) handleBlockOtherParty(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req ConversationRef
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	result, err := s.gateway.BlockOtherParty(ctx, domain.ConversationID(req.ConversationID), session.identity.ID)
	if err != nil {
		return nil, nil, err
	}
	removed := make([]string, 0, len(result.RemovedFrom))
	for _, id := range result.RemovedFrom {
		removed = append(removed, string(id))
	}
	return BlockDTO{RemovedFrom: removed}, result.Warnings, nil
}

func (s *Server) handleSend(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req SendRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	cmd := services.SendCommand{
		SenderID:       session.identity.ID,
		ConversationID: domain.ConversationID(req.ConversationID),
		DirectoryID:    domain.DirectoryID(req.DirectoryID),
		Body:           req.Body,
	}
	if len(req.Attachment) > 0 {
		cmd.Attachment = &domain.Attachment{Data: req.Attachment, Category: req.Category}
	}
	result, err := s.gateway.Send(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	return ToMessageDTO(result.Message), result.Warnings, nil
}

func (s *Server) handleMessageList(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req ListMessagesRequest
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	var afterID *domain.MessageID
	if req.AfterID != "" {
		id := domain.MessageID(req.AfterID)
		afterID = &id
	}
	messages, err := s.gateway.ListMessages(ctx, session.identity.ID, domain.ConversationID(req.ConversationID), afterID)
	if err != nil {
		return nil, nil, err
	}
	dtos := make([]MessageDTO, 0, len(messages))
	for _, m := range messages {
		dtos = append(dtos, ToMessageDTO(m))
	}
	return dtos, nil, nil
}

func (s *Server) handleSubscribe(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req ConversationRef
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	conversationID := domain.ConversationID(req.ConversationID)
	if err := s.gateway.CanView(ctx, session.identity.ID, conversationID); err != nil {
		return nil, nil, err
	}
	if err := s.subscribe(ctx, session, conversationID); err != nil {
		return nil, nil, err
	}
	return req, nil, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, session *connSession, frame Frame) (any, []string, error) {
	var req ConversationRef
	if err := s.decode(frame, &req); err != nil {
		return nil, nil, err
	}
	if err := s.unsubscribe(ctx, session, domain.ConversationID(req.ConversationID)); err != nil {
		return nil, nil, err
	}
	return req, nil, nil
}
