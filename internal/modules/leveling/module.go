// Package leveling grants experience for chat activity and tracks levels.
package leveling

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"countwarden/internal/cache"
	"countwarden/internal/platform"
	"countwarden/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Store interface {
	GetLevel(ctx context.Context, guildID, memberID string) (storage.LevelRecord, bool, error)
	UpsertLevel(ctx context.Context, rec storage.LevelRecord) error
	LevelRank(ctx context.Context, guildID, memberID string) (int, bool, error)
}

type Config struct {
	Cooldown      time.Duration
	MinExp        int64
	MaxExp        int64
	DefaultPrefix string
}

type Award struct {
	Granted   bool
	Amount    int64
	LeveledUp bool
	Record    storage.LevelRecord
}

type RankInfo struct {
	Rank      int
	Exp       int64
	Level     int64
	TotalExp  int64
	Threshold int64
}

// RankCard is what a renderer needs to draw a member's progress.
type RankCard struct {
	RankInfo
	DisplayName string
	Avatar      []byte
}

type RankCardRenderer interface {
	Render(ctx context.Context, card RankCard) ([]byte, error)
}

type Module struct {
	cache  *cache.Cache
	store  Store
	cfg    Config
	clock  cache.Clock
	roll   func(min, max int64) int64
	logger *zap.Logger
}

func New(c *cache.Cache, store Store, cfg Config, logger *zap.Logger) *Module {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.MinExp <= 0 {
		cfg.MinExp = 1
	}
	if cfg.MaxExp < cfg.MinExp {
		cfg.MaxExp = cfg.MinExp
	}
	if cfg.DefaultPrefix == "" {
		cfg.DefaultPrefix = "$"
	}
	return &Module{
		cache:  c,
		store:  store,
		cfg:    cfg,
		clock:  cache.RealClock(),
		roll:   uniform,
		logger: logger.Named("leveling"),
	}
}

func (m *Module) WithClock(clock cache.Clock) *Module {
	m.clock = clock
	return m
}

// WithRoll replaces the experience roll, which must return a value in
// [min, max].
func (m *Module) WithRoll(roll func(min, max int64) int64) *Module {
	m.roll = roll
	return m
}

// Award grants experience for msg unless it is a command, comes from a bot,
// or the author is still cooling down.
func (m *Module) Award(ctx context.Context, msg platform.Message) (Award, error) {
	if msg.AuthorIsBot || msg.GuildID == "" || msg.AuthorID == "" {
		return Award{}, nil
	}
	g, err := m.cache.Load(ctx, msg.GuildID)
	if err != nil {
		return Award{}, err
	}

	now := m.clock.Now()
	g.Lock()
	prefix := m.cfg.DefaultPrefix
	if mod, ok := g.Moderation(); ok && mod.Prefix != "" {
		prefix = mod.Prefix
	}
	if strings.HasPrefix(msg.Content, prefix) {
		g.Unlock()
		return Award{}, nil
	}
	limiter, ok := g.Cooldowns[msg.AuthorID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(m.cfg.Cooldown), 1)
		g.Cooldowns[msg.AuthorID] = limiter
	}
	allowed := limiter.AllowN(now, 1)
	g.Unlock()
	if !allowed {
		return Award{}, nil
	}

	amount := m.roll(m.cfg.MinExp, m.cfg.MaxExp)
	rec, found, err := m.store.GetLevel(ctx, msg.GuildID, msg.AuthorID)
	if err != nil {
		return Award{}, fmt.Errorf("load level: %w", err)
	}

	leveled := false
	if !found {
		rec = storage.LevelRecord{GuildID: msg.GuildID, MemberID: msg.AuthorID, Exp: amount, TotalExp: amount, Level: 1}
	} else {
		rec, leveled = Apply(rec, amount)
	}
	if err := m.store.UpsertLevel(ctx, rec); err != nil {
		return Award{}, fmt.Errorf("save level: %w", err)
	}
	if leveled {
		m.logger.Debug("level up", zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.AuthorID), zap.Int64("level", rec.Level))
	}
	return Award{Granted: true, Amount: amount, LeveledUp: leveled, Record: rec}, nil
}

func (m *Module) Rank(ctx context.Context, guildID, memberID string) (RankInfo, bool, error) {
	rec, ok, err := m.store.GetLevel(ctx, guildID, memberID)
	if err != nil || !ok {
		return RankInfo{}, false, err
	}
	rank, ok, err := m.store.LevelRank(ctx, guildID, memberID)
	if err != nil || !ok {
		return RankInfo{}, false, err
	}
	return RankInfo{
		Rank:      rank,
		Exp:       rec.Exp,
		Level:     rec.Level,
		TotalExp:  rec.TotalExp,
		Threshold: Threshold(rec.Level),
	}, true, nil
}

// Threshold is the experience needed within level to reach the next one.
func Threshold(level int64) int64 {
	base := float64(level) * 100
	return int64(math.Round(base + math.Sqrt(float64(level-1)*100)))
}

// Apply adds amount to rec. Crossing the threshold moves up one level and
// carries the remainder over.
func Apply(rec storage.LevelRecord, amount int64) (storage.LevelRecord, bool) {
	next := rec.Exp + amount
	rec.TotalExp += amount
	if threshold := Threshold(rec.Level); next > threshold {
		rec.Level++
		rec.Exp = next - threshold
		return rec, true
	}
	rec.Exp = next
	return rec, false
}

func uniform(min, max int64) int64 {
	return min + rand.Int64N(max-min+1)
}
