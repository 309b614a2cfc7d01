package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type SweepStats struct {
	RaidRecords int
	RateLimits  int
	Cooldowns   int
}

// Sweeper evicts idle transient state. It only ever removes entries.
type Sweeper struct {
	cache  *Cache
	stale  time.Duration
	window time.Duration
	clock  Clock
	logger *zap.Logger
}

func NewSweeper(c *Cache, stale, window time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{cache: c, stale: stale, window: window, clock: realClock{}, logger: logger}
}

func (s *Sweeper) WithClock(clock Clock) *Sweeper {
	s.clock = clock
	return s
}

func (s *Sweeper) Sweep(now time.Time) SweepStats {
	var stats SweepStats
	s.cache.Range(func(g *Guild) {
		g.Lock()
		defer g.Unlock()

		for member, rec := range g.Raid {
			last, ok := rec.Last()
			if !ok || now.Sub(last.CreatedAt) > s.stale {
				delete(g.Raid, member)
				stats.RaidRecords++
			}
		}
		for member, rl := range g.RateLimits {
			if now.Sub(rl.WindowStart) >= s.window {
				delete(g.RateLimits, member)
				stats.RateLimits++
			}
		}
		for member, lim := range g.Cooldowns {
			if lim.TokensAt(now) >= float64(lim.Burst()) {
				delete(g.Cooldowns, member)
				stats.Cooldowns++
			}
		}
	})
	return stats
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Sweep(s.clock.Now())
			if stats.RaidRecords+stats.RateLimits+stats.Cooldowns > 0 {
				s.logger.Debug("cache sweep",
					zap.Int("raid_records", stats.RaidRecords),
					zap.Int("rate_limits", stats.RateLimits),
					zap.Int("cooldowns", stats.Cooldowns),
				)
			}
		}
	}
}
