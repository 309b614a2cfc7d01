// Package cache keeps one in-memory entry per guild: a mirror of the durable
// count and moderation state plus the transient moderation bookkeeping that is
// never persisted.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"countwarden/internal/storage"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Loader is the part of the durable store the cache hydrates from.
type Loader interface {
	GetCountRecord(ctx context.Context, guildID string) (storage.CountRecord, bool, error)
	GetModerationConfig(ctx context.Context, guildID string) (storage.ModerationConfig, bool, error)
	ListCountRecords(ctx context.Context) ([]storage.CountRecord, error)
}

type CountState struct {
	ChannelID     string
	Count         int64
	LastAuthorID  string
	LastMessageID string
}

type Moderation struct {
	LoggingChannelID string
	AlertRoleID      string
	Prefix           string
}

type RateLimit struct {
	Violations  int
	WindowStart time.Time
}

type MessageRef struct {
	ID        string
	ChannelID string
	Content   string
	CreatedAt time.Time
}

// RaidRecord tracks one member's run of identical posts.
type RaidRecord struct {
	RepeatCount int
	Messages    []MessageRef
	LinkHits    int
}

func (r *RaidRecord) Last() (MessageRef, bool) {
	if r == nil || len(r.Messages) == 0 {
		return MessageRef{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// Guild is one guild's entry. Lock must be held for every accessor and for
// any access to the exported maps.
type Guild struct {
	ID string

	mu sync.Mutex

	count            CountState
	hasCount         bool
	countLoaded      bool
	moderation       Moderation
	hasModeration    bool
	moderationLoaded bool

	RateLimits map[string]*RateLimit
	Raid       map[string]*RaidRecord
	Cooldowns  map[string]*rate.Limiter
}

func newGuild(id string) *Guild {
	return &Guild{
		ID:         id,
		RateLimits: make(map[string]*RateLimit),
		Raid:       make(map[string]*RaidRecord),
		Cooldowns:  make(map[string]*rate.Limiter),
	}
}

func (g *Guild) Lock()   { g.mu.Lock() }
func (g *Guild) Unlock() { g.mu.Unlock() }

func (g *Guild) Count() (CountState, bool) {
	return g.count, g.hasCount
}

// SetCount replaces the count state. Later hydration will not overwrite it.
func (g *Guild) SetCount(state CountState) {
	g.count = state
	g.hasCount = true
	g.countLoaded = true
}

func (g *Guild) Moderation() (Moderation, bool) {
	return g.moderation, g.hasModeration
}

func (g *Guild) SetModeration(m Moderation) {
	g.moderation = m
	g.hasModeration = true
	g.moderationLoaded = true
}

func (g *Guild) hydrated() bool {
	return g.countLoaded && g.moderationLoaded
}

type Cache struct {
	mu     sync.RWMutex
	guilds map[string]*Guild
	loader Loader
	group  singleflight.Group
}

func New(loader Loader) *Cache {
	return &Cache{guilds: make(map[string]*Guild), loader: loader}
}

// GetOrCreate is the only way a guild entry comes into existence.
func (c *Cache) GetOrCreate(guildID string) *Guild {
	c.mu.RLock()
	g, ok := c.guilds[guildID]
	c.mu.RUnlock()
	if ok {
		return g
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok = c.guilds[guildID]; ok {
		return g
	}
	g = newGuild(guildID)
	c.guilds[guildID] = g
	return g
}

// Load returns the guild entry, hydrating count and moderation state from
// the store on first use. Concurrent first uses share one store round trip.
func (c *Cache) Load(ctx context.Context, guildID string) (*Guild, error) {
	g := c.GetOrCreate(guildID)
	g.Lock()
	done := g.hydrated()
	g.Unlock()
	if done || c.loader == nil {
		return g, nil
	}

	_, err, _ := c.group.Do(guildID, func() (any, error) {
		return nil, c.hydrate(ctx, g)
	})
	if err != nil {
		return g, err
	}
	return g, nil
}

func (c *Cache) hydrate(ctx context.Context, g *Guild) error {
	rec, hasCount, err := c.loader.GetCountRecord(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("load count state for %s: %w", g.ID, err)
	}
	mod, hasMod, err := c.loader.GetModerationConfig(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("load moderation config for %s: %w", g.ID, err)
	}

	g.Lock()
	defer g.Unlock()
	if !g.countLoaded {
		if hasCount {
			g.count = countFromRecord(rec)
			g.hasCount = true
		}
		g.countLoaded = true
	}
	if !g.moderationLoaded {
		if hasMod {
			g.moderation = Moderation{
				LoggingChannelID: mod.LoggingChannelID,
				AlertRoleID:      mod.AlertRoleID,
				Prefix:           mod.Prefix,
			}
			g.hasModeration = true
		}
		g.moderationLoaded = true
	}
	return nil
}

// Warm preloads every stored counting row.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.loader == nil {
		return 0, nil
	}
	records, err := c.loader.ListCountRecords(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		g := c.GetOrCreate(rec.GuildID)
		g.Lock()
		if !g.countLoaded {
			g.count = countFromRecord(rec)
			g.hasCount = true
			g.countLoaded = true
		}
		g.Unlock()
	}
	return len(records), nil
}

// Range calls fn for a snapshot of the current entries. fn takes the guild
// lock itself.
func (c *Cache) Range(fn func(*Guild)) {
	c.mu.RLock()
	guilds := make([]*Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		guilds = append(guilds, g)
	}
	c.mu.RUnlock()

	for _, g := range guilds {
		fn(g)
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.guilds)
}

func countFromRecord(rec storage.CountRecord) CountState {
	return CountState{
		ChannelID:     rec.ChannelID,
		Count:         rec.Count,
		LastAuthorID:  rec.AuthorID,
		LastMessageID: rec.MessageID,
	}
}
