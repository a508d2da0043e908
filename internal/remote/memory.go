package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

// Memory is an in-process Store. It backs tests and the single-user loopback
// mode of the daemon, and can simulate outages and rejected writes.
type Memory struct {
	mu        sync.Mutex
	messages  map[string]map[string]chat.Message
	convs     map[string]chat.Conversation
	profiles  map[string]chat.Profile
	denied    map[string]bool
	subs      map[int]*memSub
	next      int
	down      bool
	failWrite int
	writeErr  error
	writes    []WriteRequest
	newID     func() string
}

type memSub struct {
	conversationID string
	userID         string
	feed           bool
	onSnapshot     SnapshotFunc
	onConvs        ConversationsFunc
	onError        ErrorFunc
	notify         chan struct{}
	done           chan struct{}
	once           sync.Once
	m              *Memory
	id             int
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]map[string]chat.Message),
		convs:    make(map[string]chat.Conversation),
		profiles: make(map[string]chat.Profile),
		denied:   make(map[string]bool),
		subs:     make(map[int]*memSub),
		newID:    uuid.NewString,
	}
}

// PutConversation creates or replaces a conversation.
func (m *Memory) PutConversation(c chat.Conversation) {
	m.mu.Lock()
	m.convs[c.ID] = c.Clone()
	m.mu.Unlock()
	m.notifyFeeds()
}

// PutProfile stores a user profile.
func (m *Memory) PutProfile(p chat.Profile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

// Seed inserts messages as-is, keeping their ids.
func (m *Memory) Seed(msgs ...chat.Message) {
	m.mu.Lock()
	convs := make(map[string]bool)
	for _, msg := range msgs {
		bucket := m.bucket(msg.ConversationID)
		bucket[msg.ID] = msg.Clone()
		convs[msg.ConversationID] = true
	}
	m.mu.Unlock()
	for id := range convs {
		m.notifyConversation(id)
	}
}

// SetDown simulates losing (true) or regaining (false) the connection to the
// store. While down every call fails with ErrUnavailable and subscriptions
// receive nothing; they catch up when the store comes back.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
	if !down {
		m.notifyAll()
	}
}

// FailWrites makes the next n Write calls fail with err.
func (m *Memory) FailWrites(n int, err error) {
	m.mu.Lock()
	m.failWrite = n
	m.writeErr = err
	m.mu.Unlock()
}

// Deny revokes read access to a conversation. Active subscriptions on it end
// with ErrPermissionDenied.
func (m *Memory) Deny(conversationID string) {
	m.mu.Lock()
	m.denied[conversationID] = true
	var victims []*memSub
	for _, s := range m.subs {
		if !s.feed && s.conversationID == conversationID {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.fail(ErrPermissionDenied)
	}
}

// Writes returns every accepted or rejected write attempt in call order.
func (m *Memory) Writes() []WriteRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteRequest, len(m.writes))
	copy(out, m.writes)
	return out
}

// Subscribe implements Store.
func (m *Memory) Subscribe(_ context.Context, conversationID string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	s := m.addSub(&memSub{conversationID: conversationID, onSnapshot: onSnapshot, onError: onError})
	denied := m.denied[conversationID]
	m.mu.Unlock()

	if denied {
		go s.fail(ErrPermissionDenied)
		return s, nil
	}
	go s.run()
	s.poke()
	return s, nil
}

// SubscribeConversations implements Store.
func (m *Memory) SubscribeConversations(_ context.Context, userID string, onSnapshot ConversationsFunc, onError ErrorFunc) (Subscription, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	s := m.addSub(&memSub{userID: userID, feed: true, onConvs: onSnapshot, onError: onError})
	m.mu.Unlock()

	go s.run()
	s.poke()
	return s, nil
}

// Fetch implements Store.
func (m *Memory) Fetch(_ context.Context, conversationID string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	if m.denied[conversationID] {
		return nil, ErrPermissionDenied
	}
	return m.snapshotLocked(conversationID), nil
}

// Write implements Store.
func (m *Memory) Write(ctx context.Context, req WriteRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.writes = append(m.writes, req)
	if m.down {
		m.mu.Unlock()
		return "", ErrUnavailable
	}
	if m.failWrite > 0 {
		m.failWrite--
		err := m.writeErr
		m.mu.Unlock()
		return "", fmt.Errorf("write message: %w", err)
	}
	id := m.newID()
	msg := req.Message(id)
	m.bucket(req.ConversationID)[id] = msg
	if c, ok := m.convs[req.ConversationID]; ok {
		m.convs[req.ConversationID] = applyWrite(c, msg, time.Now().UnixMilli())
	}
	m.mu.Unlock()

	m.notifyConversation(req.ConversationID)
	m.notifyFeeds()
	return id, nil
}

// UpdateStatus implements Store.
func (m *Memory) UpdateStatus(_ context.Context, conversationID, messageID string, to status.State) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return ErrUnavailable
	}
	msg, ok := m.messages[conversationID][messageID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update status of %s: %w", messageID, ErrNotFound)
	}
	changed := applyStatus(&msg, to)
	m.messages[conversationID][messageID] = msg
	m.mu.Unlock()

	if changed {
		m.notifyConversation(conversationID)
	}
	return nil
}

// MarkRead implements Store.
func (m *Memory) MarkRead(_ context.Context, conversationID, messageID, userID string) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return ErrUnavailable
	}
	msg, ok := m.messages[conversationID][messageID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mark read %s: %w", messageID, ErrNotFound)
	}
	msg = msg.Clone()
	changed := applyRead(&msg, userID, time.Now().UnixMilli())
	m.messages[conversationID][messageID] = msg
	if c, ok := m.convs[conversationID]; ok && c.Unread(userID) > 0 {
		c = c.Clone()
		c.UnreadCount[userID] = 0
		m.convs[conversationID] = c
	}
	m.mu.Unlock()

	if changed {
		m.notifyConversation(conversationID)
		m.notifyFeeds()
	}
	return nil
}

// Profile implements Store.
func (m *Memory) Profile(_ context.Context, userID string) (chat.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return chat.Profile{}, ErrUnavailable
	}
	p, ok := m.profiles[userID]
	if !ok {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) bucket(conversationID string) map[string]chat.Message {
	b, ok := m.messages[conversationID]
	if !ok {
		b = make(map[string]chat.Message)
		m.messages[conversationID] = b
	}
	return b
}

func (m *Memory) snapshotLocked(conversationID string) []chat.Message {
	b := m.messages[conversationID]
	out := make([]chat.Message, 0, len(b))
	for _, msg := range b {
		out = append(out, msg.Clone())
	}
	chat.SortMessages(out)
	return out
}

func (m *Memory) conversationsLocked(userID string) []chat.Conversation {
	var out []chat.Conversation
	for _, c := range m.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sortConversations(out)
	return out
}

func (m *Memory) addSub(s *memSub) *memSub {
	s.m = m
	s.id = m.next
	s.notify = make(chan struct{}, 1)
	s.done = make(chan struct{})
	m.next++
	m.subs[s.id] = s
	return s
}

func (m *Memory) notifyConversation(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if !s.feed && s.conversationID == conversationID {
			s.poke()
		}
	}
}

func (m *Memory) notifyFeeds() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.feed {
			s.poke()
		}
	}
}

func (m *Memory) notifyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		s.poke()
	}
}

// poke schedules a snapshot. Pending notifications coalesce.
func (s *memSub) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.m.mu.Lock()
		if s.m.down {
			s.m.mu.Unlock()
			continue
		}
		var (
			msgs  []chat.Message
			convs []chat.Conversation
		)
		if s.feed {
			convs = s.m.conversationsLocked(s.userID)
		} else {
			msgs = s.m.snapshotLocked(s.conversationID)
		}
		s.m.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		if s.feed {
			s.onConvs(convs)
		} else {
			s.onSnapshot(msgs)
		}
	}
}

func (s *memSub) fail(err error) {
	closed := false
	s.once.Do(func() {
		closed = true
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		s.m.mu.Unlock()
		close(s.done)
	})
	if closed && s.onError != nil {
		s.onError(err)
	}
}

// Close implements Subscription.
func (s *memSub) Close() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		s.m.mu.Unlock()
		close(s.done)
	})
}
