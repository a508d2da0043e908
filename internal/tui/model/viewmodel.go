package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
	"github.com/pigeonai/pigeon/internal/store"
	"github.com/pigeonai/pigeon/internal/tui/ui"
)

// Backend is the daemon API the view model drives. *api.Client implements it.
type Backend interface {
	Status(ctx context.Context) (*api.StatusResponse, error)
	Conversations(ctx context.Context) (*api.ConversationsResponse, error)
	Open(ctx context.Context, conversationID string) (*api.MessagesResponse, error)
	Messages(ctx context.Context) (*api.MessagesResponse, error)
	Send(ctx context.Context, req *api.SendRequest) (*api.SendResponse, error)
	MarkRead(ctx context.Context, messageID string) error
	Refresh(ctx context.Context) (*api.MessagesResponse, error)
	CloseConversation(ctx context.Context) error
	Search(ctx context.Context, req *api.SearchRequest) (*api.SearchResponse, error)
	SetNetwork(ctx context.Context, online bool) error
	Drain(ctx context.Context) (*api.DrainResponse, error)
	SignOut(ctx context.Context) error
	Watch(ctx context.Context, prefix string, fn func(*api.Event) error) error
}

// Change flags which parts of the view model were reloaded.
type Change uint8

const (
	ChangedStatus Change = 1 << iota
	ChangedConversations
	ChangedMessages
)

// ErrNoConversation is returned by calls that need an open conversation.
var ErrNoConversation = errors.New("no conversation open")

// ViewModel caches daemon state for the views and coalesces refresh signals.
type ViewModel struct {
	mu sync.RWMutex

	backend       Backend
	selfID        string
	status        *api.StatusResponse
	conversations []api.Conversation
	active        string
	messages      []api.Message

	Flash *ui.FlashModel

	pending   Change
	refreshCh chan struct{}
}

// NewViewModel creates a view model over the daemon backend.
func NewViewModel(b Backend) *ViewModel {
	return &ViewModel{
		backend:   b,
		Flash:     ui.NewFlashModel(),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh fires when TakeChanges has something to report.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

// TakeChanges returns and clears the accumulated change flags.
func (vm *ViewModel) TakeChanges() Change {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	c := vm.pending
	vm.pending = 0
	return c
}

func (vm *ViewModel) signal(c Change) {
	vm.mu.Lock()
	vm.pending |= c
	vm.mu.Unlock()
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.backend.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.selfID = resp.UserID
	if vm.active == "" {
		vm.active = resp.Conversation
	}
	vm.mu.Unlock()
	vm.signal(ChangedStatus)
	return nil
}

// LoadConversations fetches the cached conversation list.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	resp, err := vm.backend.Conversations(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = resp.Conversations
	vm.mu.Unlock()
	vm.signal(ChangedConversations)
	return nil
}

// Open makes id the active conversation. Reopening the active conversation
// only reloads it.
func (vm *ViewModel) Open(ctx context.Context, id string) error {
	vm.mu.RLock()
	same := vm.active == id
	vm.mu.RUnlock()

	var (
		resp *api.MessagesResponse
		err  error
	)
	if same {
		resp, err = vm.backend.Messages(ctx)
	} else {
		resp, err = vm.backend.Open(ctx, id)
	}
	if err != nil {
		return err
	}
	vm.setMessages(resp)
	return nil
}

// Close leaves the active conversation.
func (vm *ViewModel) Close(ctx context.Context) error {
	if err := vm.backend.CloseConversation(ctx); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = ""
	vm.messages = nil
	vm.mu.Unlock()
	vm.signal(ChangedMessages)
	return nil
}

// LoadMessages reloads the active conversation from the daemon's memory.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	if vm.ActiveConversation() == "" {
		return nil
	}
	resp, err := vm.backend.Messages(ctx)
	if err != nil {
		return err
	}
	vm.setMessages(resp)
	return nil
}

// Refresh pulls the active conversation from the remote store.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	if vm.ActiveConversation() == "" {
		return ErrNoConversation
	}
	resp, err := vm.backend.Refresh(ctx)
	if err != nil {
		return err
	}
	vm.setMessages(resp)
	return nil
}

func (vm *ViewModel) setMessages(resp *api.MessagesResponse) {
	vm.mu.Lock()
	vm.active = resp.ConversationID
	vm.messages = resp.Messages
	vm.mu.Unlock()
	vm.signal(ChangedMessages)
}

// Send parses composer input. "/image <url> [caption]" sends an image;
// anything else is text.
func (vm *ViewModel) Send(ctx context.Context, input string) error {
	if vm.ActiveConversation() == "" {
		return ErrNoConversation
	}
	req := &api.SendRequest{Content: input}
	if rest, ok := strings.CutPrefix(input, "/image "); ok {
		url, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
		req = &api.SendRequest{Type: chat.Image, ImageURL: url, Content: strings.TrimSpace(caption)}
	}
	resp, err := vm.backend.Send(ctx, req)
	if err != nil {
		return err
	}
	// The upsert event may already have reloaded the list.
	vm.mu.Lock()
	if !slices.ContainsFunc(vm.messages, func(m api.Message) bool { return m.ID == resp.Message.ID }) {
		vm.messages = append(vm.messages, api.Message{Message: resp.Message})
	}
	vm.mu.Unlock()
	vm.signal(ChangedMessages)
	return nil
}

// MarkVisibleRead sends read receipts for every message from others in the
// active conversation that is not read yet. It returns how many were marked.
func (vm *ViewModel) MarkVisibleRead(ctx context.Context) (int, error) {
	vm.mu.RLock()
	var ids []string
	for _, m := range vm.messages {
		if m.SenderID != vm.selfID && !m.Temp() && m.Status != status.Read {
			ids = append(ids, m.ID)
		}
	}
	vm.mu.RUnlock()

	var errs []error
	marked := 0
	for _, id := range ids {
		if err := vm.backend.MarkRead(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		marked++
	}
	return marked, errors.Join(errs...)
}

// Search runs a full-text query over cached messages.
func (vm *ViewModel) Search(ctx context.Context, query string) ([]store.SearchResult, error) {
	resp, err := vm.backend.Search(ctx, &api.SearchRequest{Query: query, Limit: 50})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SetNetwork flips the manual connectivity source.
func (vm *ViewModel) SetNetwork(ctx context.Context, online bool) error {
	if err := vm.backend.SetNetwork(ctx, online); err != nil {
		return err
	}
	return vm.LoadStatus(ctx)
}

// Drain replays the outbox now.
func (vm *ViewModel) Drain(ctx context.Context) (string, error) {
	resp, err := vm.backend.Drain(ctx)
	if err != nil {
		return "", err
	}
	s := resp.Stats
	return fmt.Sprintf("outbox: %d sent, %d failed, %d dropped", s.Sent, s.Failed, s.Dropped), vm.LoadStatus(ctx)
}

// SignOut tears down the daemon's subscriptions and clears local state.
func (vm *ViewModel) SignOut(ctx context.Context) error {
	if err := vm.backend.SignOut(ctx); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = ""
	vm.messages = nil
	vm.mu.Unlock()
	vm.signal(ChangedMessages)
	return vm.LoadStatus(ctx)
}

// Watch streams daemon events into the view model until ctx ends.
func (vm *ViewModel) Watch(ctx context.Context) error {
	return vm.backend.Watch(ctx, "", func(e *api.Event) error {
		vm.HandleEvent(ctx, e)
		return nil
	})
}

type lostPayload struct {
	ConversationID string
	Err            string
}

// HandleEvent reloads whatever an engine event invalidates.
func (vm *ViewModel) HandleEvent(ctx context.Context, e *api.Event) {
	var err error
	switch {
	case strings.HasPrefix(e.Kind, "message."), e.Kind == bus.KindSyncSnapshot:
		err = vm.LoadMessages(ctx)
	case strings.HasPrefix(e.Kind, "outbox."):
		if err = vm.LoadMessages(ctx); err == nil {
			err = vm.LoadStatus(ctx)
		}
		if e.Kind == bus.KindOutboxDropped {
			vm.Flash.Warn("a queued message was dropped after too many retries")
		}
	case strings.HasPrefix(e.Kind, "net."):
		err = vm.LoadStatus(ctx)
		if e.Kind == bus.KindNetOffline {
			vm.Flash.Warn("offline: messages will be queued")
		} else {
			vm.Flash.Info("back online")
		}
	case e.Kind == bus.KindConversationsSync:
		err = vm.LoadConversations(ctx)
	case e.Kind == bus.KindSyncLost:
		var p lostPayload
		_ = json.Unmarshal(e.Payload, &p)
		vm.Flash.Warn(fmt.Sprintf("live updates stopped for %s: %s", p.ConversationID, p.Err))
	}
	if err != nil && ctx.Err() == nil {
		vm.Flash.Err(err)
	}
}

// Status returns the last fetched daemon status.
func (vm *ViewModel) Status() *api.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Conversations returns a snapshot of the conversation list.
func (vm *ViewModel) Conversations() []api.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Conversation looks up a listed conversation by id.
func (vm *ViewModel) Conversation(id string) (api.Conversation, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return api.Conversation{}, false
}

// ActiveConversation returns the open conversation id, if any.
func (vm *ViewModel) ActiveConversation() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// Messages returns a snapshot of the active conversation.
func (vm *ViewModel) Messages() []api.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// SelfID is the signed-in user as reported by the daemon.
func (vm *ViewModel) SelfID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.selfID
}
