package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/store"
)

// Profiles resolves user profiles from memory, then the local store, then the
// remote store.
type Profiles struct {
	db     *store.DB
	remote remote.Store
	logger *zap.Logger
	mem    *Cache[string, chat.Profile]
	group  singleflight.Group
}

// NewProfiles creates a profile resolver.
func NewProfiles(db *store.DB, rs remote.Store, logger *zap.Logger) *Profiles {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiles{db: db, remote: rs, logger: logger, mem: New[string, chat.Profile]()}
}

// Get returns the profile of userID. An unknown user resolves to a profile
// whose display name is the user id.
func (p *Profiles) Get(ctx context.Context, userID string) (chat.Profile, error) {
	if prof, ok := p.mem.Get(userID); ok {
		return prof, nil
	}
	v, err, _ := p.group.Do(userID, func() (any, error) {
		cached, err := p.db.GetProfile(userID)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		if cached != nil {
			p.mem.Put(userID, *cached)
			return *cached, nil
		}

		prof, err := p.remote.Profile(ctx, userID)
		if errors.Is(err, remote.ErrNotFound) {
			return chat.Profile{UserID: userID, DisplayName: userID}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch profile: %w", err)
		}
		if err := p.db.UpsertProfile(prof); err != nil {
			p.logger.Warn("cache profile", zap.String("user_id", userID), zap.Error(err))
		}
		p.mem.Put(userID, prof)
		return prof, nil
	})
	if err != nil {
		return chat.Profile{}, err
	}
	return v.(chat.Profile), nil
}

// Len returns the number of profiles held in memory.
func (p *Profiles) Len() int {
	return p.mem.Len()
}

// Clear forgets every profile, in memory and on disk.
func (p *Profiles) Clear() error {
	p.mem.Clear()
	if err := p.db.ClearProfiles(); err != nil {
		return fmt.Errorf("clear profiles: %w", err)
	}
	return nil
}
