package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/cache"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/connectivity"
	"github.com/pigeonai/pigeon/internal/outbox"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/store"
	intsync "github.com/pigeonai/pigeon/internal/sync"
)

// BreakerReporter exposes the state of the remote write circuit breaker.
type BreakerReporter interface {
	BreakerState() string
}

// Deps are the engine components the service drives.
type Deps struct {
	SessionName string
	UserID      string
	DB          *store.DB
	Bus         *bus.Bus
	Coordinator *intsync.Coordinator
	Feed        *intsync.ConversationFeed
	Processor   *outbox.Processor
	Network     intsync.Connectivity
	// Manual is set when connectivity is switched by hand.
	Manual   *connectivity.Manual
	Profiles *cache.Profiles
	Breaker  BreakerReporter
	Logger   *zap.Logger
}

// SyncService implements SyncServer on top of the sync engine.
type SyncService struct {
	d         Deps
	startedAt time.Time
}

// NewSyncService creates the control service.
func NewSyncService(d Deps) *SyncService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &SyncService{d: d, startedAt: time.Now()}
}

func (s *SyncService) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:       s.d.SessionName,
		UserID:        s.d.UserID,
		Online:        s.d.Network == nil || s.d.Network.Online(),
		Conversation:  s.d.Coordinator.ConversationID(),
		DroppedEvents: s.d.Bus.Dropped(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
	}
	if n, err := s.d.DB.PendingCount(); err == nil {
		resp.Pending = n
	}
	if n, err := s.d.DB.MessageCount(); err == nil {
		resp.CachedMessages = n
	}
	if s.d.Breaker != nil {
		resp.Breaker = s.d.Breaker.BreakerState()
	}
	return resp, nil
}

func (s *SyncService) Conversations(ctx context.Context, _ *Empty) (*ConversationsResponse, error) {
	convs, err := s.d.Feed.Conversations()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	resp := &ConversationsResponse{Conversations: make([]Conversation, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, Conversation{
			Conversation: c,
			Title:        s.title(ctx, c),
			Unread:       c.Unread(s.d.UserID),
		})
	}
	return resp, nil
}

// title names a conversation after its other participants.
func (s *SyncService) title(ctx context.Context, c chat.Conversation) string {
	var names []string
	for _, p := range c.Participants {
		if p == s.d.UserID {
			continue
		}
		names = append(names, s.displayName(ctx, p))
	}
	if len(names) == 0 {
		return c.ID
	}
	return strings.Join(names, ", ")
}

func (s *SyncService) displayName(ctx context.Context, userID string) string {
	if s.d.Profiles == nil {
		return userID
	}
	p, err := s.d.Profiles.Get(ctx, userID)
	if err != nil || p.DisplayName == "" {
		return userID
	}
	return p.DisplayName
}

func (s *SyncService) Open(ctx context.Context, req *OpenRequest) (*MessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	msgs, err := s.d.Coordinator.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("open", err)
	}
	return s.messages(ctx, req.ConversationID, msgs), nil
}

func (s *SyncService) Messages(ctx context.Context, _ *Empty) (*MessagesResponse, error) {
	convID := s.d.Coordinator.ConversationID()
	if convID == "" {
		return nil, toStatus("messages", intsync.ErrNoConversation)
	}
	return s.messages(ctx, convID, s.d.Coordinator.Messages()), nil
}

func (s *SyncService) messages(ctx context.Context, convID string, msgs []chat.Message) *MessagesResponse {
	resp := &MessagesResponse{ConversationID: convID, Messages: make([]Message, 0, len(msgs))}
	names := make(map[string]string)
	for _, m := range msgs {
		name, ok := names[m.SenderID]
		if !ok {
			name = s.displayName(ctx, m.SenderID)
			names[m.SenderID] = name
		}
		resp.Messages = append(resp.Messages, Message{Message: m, SenderName: name})
	}
	return resp
}

func (s *SyncService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	typ := req.Type
	if typ == "" {
		typ = chat.Text
	}
	if !typ.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown message type %q", typ)
	}
	if typ == chat.Text && strings.TrimSpace(req.Content) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content is required")
	}
	if typ == chat.Image && req.ImageURL == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "image_url is required for image messages")
	}
	msg, err := s.d.Coordinator.Send(ctx, req.Content, typ, req.ImageURL)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return &SendResponse{Message: msg}, nil
}

func (s *SyncService) MarkRead(ctx context.Context, req *MarkReadRequest) (*Empty, error) {
	if req.MessageID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	if err := s.d.Coordinator.MarkAsRead(ctx, req.MessageID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &Empty{}, nil
}

func (s *SyncService) Refresh(ctx context.Context, _ *Empty) (*MessagesResponse, error) {
	msgs, err := s.d.Coordinator.Refresh(ctx)
	if err != nil {
		return nil, toStatus("refresh", err)
	}
	return s.messages(ctx, s.d.Coordinator.ConversationID(), msgs), nil
}

func (s *SyncService) Close(_ context.Context, _ *Empty) (*Empty, error) {
	s.d.Coordinator.Close()
	return &Empty{}, nil
}

func (s *SyncService) Pending(_ context.Context, _ *Empty) (*PendingResponse, error) {
	ops, err := s.d.Processor.Pending()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list pending: %v", err)
	}
	resp := &PendingResponse{Pending: make([]PendingSend, 0, len(ops))}
	for _, op := range ops {
		p := PendingSend{OpID: op.ID, RetryCount: op.RetryCount, EnqueuedAt: op.EnqueuedAt}
		if payload, err := outbox.DecodeSend(op); err == nil {
			p.ConversationID = payload.ConversationID
			p.TempID = payload.TempID
			p.Content = payload.Content
		}
		resp.Pending = append(resp.Pending, p)
	}
	return resp, nil
}

func (s *SyncService) Drain(ctx context.Context, _ *Empty) (*DrainResponse, error) {
	stats, err := s.d.Processor.Drain(ctx)
	if err != nil {
		return nil, toStatus("drain", err)
	}
	return &DrainResponse{Stats: stats}, nil
}

func (s *SyncService) SetNetwork(_ context.Context, req *SetNetworkRequest) (*Empty, error) {
	if s.d.Manual == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "connectivity is not switched manually in this session")
	}
	s.d.Manual.Set(req.Online)
	s.d.Logger.Info("network switched", zap.Bool("online", req.Online))
	return &Empty{}, nil
}

func (s *SyncService) SignOut(_ context.Context, _ *Empty) (*Empty, error) {
	s.d.Coordinator.Close()
	if s.d.Profiles != nil {
		if err := s.d.Profiles.Clear(); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "sign out: %v", err)
		}
	}
	s.d.Logger.Info("signed out", zap.String("user_id", s.d.UserID))
	return &Empty{}, nil
}

func (s *SyncService) Search(_ context.Context, req *SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	results, err := s.d.DB.SearchMessages(req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	return &SearchResponse{Results: results}, nil
}

func (s *SyncService) Watch(req *WatchRequest, stream WatchStream) error {
	ch, unsub := s.d.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out := &Event{Kind: evt.Kind, OccurredAt: evt.Timestamp.UnixMilli()}
			if evt.Payload != nil {
				data, err := json.Marshal(evt.Payload)
				if err != nil {
					s.d.Logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
					continue
				}
				out.Payload = data
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrNoConversation):
		code = codes.FailedPrecondition
	case errors.Is(err, intsync.ErrAlreadySubscribed):
		code = codes.AlreadyExists
	case errors.Is(err, remote.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, remote.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, remote.ErrCircuitOpen):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
