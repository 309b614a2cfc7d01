// Package ratelimit escalates members who keep breaking the counting rules.
//
// Each (guild, member) pair moves Unseen -> Tracking(n, windowStart) ->
// Escalated. Reaching the threshold inside the window removes the entry and
// times the member out once; a violation after the window has lapsed starts
// a fresh Tracking(1, now).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"countwarden/internal/cache"
	"countwarden/internal/modules/audit"
	"countwarden/internal/platform"
	"countwarden/internal/storage"

	"go.uber.org/zap"
)

type Outcome int

const (
	OutcomeTracking Outcome = iota
	OutcomeEscalated
)

func (o Outcome) String() string {
	if o == OutcomeEscalated {
		return "escalated"
	}
	return "tracking"
}

type Result struct {
	Outcome    Outcome
	Violations int
}

type Config struct {
	Threshold int
	Window    time.Duration
	Timeout   time.Duration
}

type InfractionRecorder interface {
	IncrementInfraction(ctx context.Context, guildID, userID, category, lastAction string, at time.Time, forgiveAfter time.Duration) (int, error)
}

type Module struct {
	cache       *cache.Cache
	timeouter   platform.Timeouter
	infractions InfractionRecorder
	audit       *audit.Logger
	cfg         Config
	clock       cache.Clock
	logger      *zap.Logger
}

func New(c *cache.Cache, timeouter platform.Timeouter, infractions InfractionRecorder, auditLogger *audit.Logger, cfg Config, logger *zap.Logger) *Module {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Module{
		cache:       c,
		timeouter:   timeouter,
		infractions: infractions,
		audit:       auditLogger,
		cfg:         cfg,
		clock:       cache.RealClock(),
		logger:      logger.Named("ratelimit"),
	}
}

func (m *Module) WithClock(clock cache.Clock) *Module {
	m.clock = clock
	return m
}

// RecordViolation registers one qualifying violation. The threshold is checked
// on every call, including the one that opens a new window, so a threshold of
// 1 escalates on the first violation. When it escalates, the timeout is
// attempted exactly once and its error is returned unretried.
func (m *Module) RecordViolation(ctx context.Context, guildID, memberID string) (Result, error) {
	now := m.clock.Now()
	g := m.cache.GetOrCreate(guildID)

	g.Lock()
	entry, ok := g.RateLimits[memberID]
	if !ok || now.Sub(entry.WindowStart) >= m.cfg.Window {
		entry = &cache.RateLimit{Violations: 1, WindowStart: now}
		g.RateLimits[memberID] = entry
	} else {
		entry.Violations++
	}
	violations := entry.Violations
	escalate := violations >= m.cfg.Threshold
	if escalate {
		delete(g.RateLimits, memberID)
	}
	g.Unlock()

	if !escalate {
		return Result{Outcome: OutcomeTracking, Violations: violations}, nil
	}

	result := Result{Outcome: OutcomeEscalated, Violations: violations}
	detail := fmt.Sprintf("violations=%d window=%s timeout=%s", violations, m.cfg.Window, m.cfg.Timeout)
	if err := m.timeouter.TimeoutMember(ctx, guildID, memberID, m.cfg.Timeout); err != nil {
		m.logger.Warn("counting timeout failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", memberID),
			zap.Error(err),
		)
		m.audit.Log(ctx, audit.LevelWarn, guildID, memberID, audit.EventCountingFailed, detail)
		return result, fmt.Errorf("timeout member %s: %w", memberID, err)
	}

	if m.infractions != nil {
		if _, err := m.infractions.IncrementInfraction(ctx, guildID, memberID, storage.CategoryCounting, "timeout", now, 24*time.Hour); err != nil {
			m.logger.Warn("record infraction failed", zap.String("guild_id", guildID), zap.String("user_id", memberID), zap.Error(err))
		}
	}
	m.audit.Log(ctx, audit.LevelWarn, guildID, memberID, audit.EventCountingTimeout, detail)
	return result, nil
}
