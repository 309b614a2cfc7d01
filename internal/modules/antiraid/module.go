// Package antiraid flags members who paste the same message across many
// channels, and escalates any message linking to a known phishing domain.
package antiraid

import (
	"context"
	"fmt"
	"time"

	"countwarden/internal/alerts"
	"countwarden/internal/cache"
	"countwarden/internal/modules/antiphishing"
	"countwarden/internal/modules/audit"
	"countwarden/internal/platform"
	"countwarden/internal/storage"
	"countwarden/internal/utils"

	"go.uber.org/zap"
)

type Verdict struct {
	Alerts      []alerts.Kind
	RepeatCount int
	Spread      float64
	Link        antiphishing.Detection
}

func (v Verdict) Alerted(kind alerts.Kind) bool {
	for _, k := range v.Alerts {
		if k == kind {
			return true
		}
	}
	return false
}

type Config struct {
	// SpreadPercent is the share of text channels a repeated message must
	// have reached before it is reported.
	SpreadPercent float64
}

type Submitter interface {
	Submit(alert alerts.Alert) error
}

type Store interface {
	AddSuspiciousLink(ctx context.Context, link storage.SuspiciousLink) error
	UpsertModerationConfig(ctx context.Context, cfg storage.ModerationConfig) error
	IncrementInfraction(ctx context.Context, guildID, userID, category, lastAction string, at time.Time, forgiveAfter time.Duration) (int, error)
}

type Module struct {
	cache    *cache.Cache
	channels platform.ChannelCounter
	detector *antiphishing.Detector
	queue    Submitter
	store    Store
	audit    *audit.Logger
	cfg      Config
	clock    cache.Clock
	logger   *zap.Logger
}

func New(c *cache.Cache, channels platform.ChannelCounter, detector *antiphishing.Detector, queue Submitter, store Store, auditLogger *audit.Logger, cfg Config, logger *zap.Logger) *Module {
	if cfg.SpreadPercent <= 0 {
		cfg.SpreadPercent = 50
	}
	return &Module{
		cache:    c,
		channels: channels,
		detector: detector,
		queue:    queue,
		store:    store,
		audit:    auditLogger,
		cfg:      cfg,
		clock:    cache.RealClock(),
		logger:   logger.Named("antiraid"),
	}
}

func (m *Module) WithClock(clock cache.Clock) *Module {
	m.clock = clock
	return m
}

// Inspect tracks msg against its author's run of identical posts. Guilds
// without a logging channel are skipped.
func (m *Module) Inspect(ctx context.Context, msg platform.Message) (Verdict, error) {
	if msg.AuthorIsBot || msg.GuildID == "" || msg.AuthorID == "" {
		return Verdict{}, nil
	}

	g, err := m.cache.Load(ctx, msg.GuildID)
	if err != nil {
		return Verdict{}, err
	}
	g.Lock()
	mod, ok := g.Moderation()
	g.Unlock()
	if !ok || mod.LoggingChannelID == "" {
		return Verdict{}, nil
	}

	total, err := m.channels.TextChannelCount(ctx, msg.GuildID)
	if err != nil {
		m.logger.Warn("count text channels failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
		total = 0
	}
	detection := m.detector.Detect(msg.Content)
	now := m.clock.Now()
	ref := cache.MessageRef{ID: msg.ID, ChannelID: msg.ChannelID, Content: msg.Content, CreatedAt: now}

	var verdict Verdict
	var repeated []cache.MessageRef

	g.Lock()
	rec, tracked := g.Raid[msg.AuthorID]
	last, hasLast := rec.Last()
	kept := true
	switch {
	case !tracked || !hasLast || last.Content != msg.Content || msg.HasAttachments:
		rec = &cache.RaidRecord{RepeatCount: 1, Messages: []cache.MessageRef{ref}}
		g.Raid[msg.AuthorID] = rec
	default:
		verdict.Spread = spread(rec.Messages, total)
		if total > 0 && verdict.Spread >= m.cfg.SpreadPercent {
			repeated = append(repeated, rec.Messages...)
			verdict.Alerts = append(verdict.Alerts, alerts.KindMessageViolation)
			delete(g.Raid, msg.AuthorID)
			kept = false
		} else {
			rec.Messages = appendRef(rec.Messages, ref)
			rec.RepeatCount++
		}
	}
	verdict.RepeatCount = rec.RepeatCount
	if kept && detection.Kind == antiphishing.KindGuaranteed {
		rec.LinkHits++
	}
	g.Unlock()

	verdict.Link = detection
	if detection.Kind == antiphishing.KindGuaranteed {
		verdict.Alerts = append(verdict.Alerts, alerts.KindGuaranteed)
	}

	return verdict, m.dispatch(ctx, msg, mod, verdict, repeated)
}

// dispatch runs the side effects of a verdict outside the guild lock.
func (m *Module) dispatch(ctx context.Context, msg platform.Message, mod cache.Moderation, verdict Verdict, repeated []cache.MessageRef) error {
	var firstErr error
	for _, kind := range verdict.Alerts {
		alert := alerts.New(kind, msg.GuildID, msg.AuthorID, m.clock.Now())
		alert.ChannelID = msg.ChannelID
		alert.MessageID = msg.ID
		alert.Content = msg.Content
		alert.LoggingChannelID = mod.LoggingChannelID
		alert.AlertRoleID = mod.AlertRoleID

		level, event, category, detail := audit.LevelWarn, audit.EventRaidAlert, storage.CategoryRaid, ""
		if kind == alerts.KindGuaranteed {
			alert.URL = verdict.Link.URL
			alert.Domain = verdict.Link.Domain
			level, event, category = audit.LevelCrit, audit.EventPhishingAlert, storage.CategoryPhishing
			detail = fmt.Sprintf("alert=%s domain=%s", alert.ID, alert.Domain)
		} else {
			alert.Spread = verdict.Spread
			alert.Repeats = verdict.RepeatCount
			detail = fmt.Sprintf("alert=%s spread=%.0f%% repeats=%d channels=%d", alert.ID, verdict.Spread, verdict.RepeatCount, len(distinctChannels(repeated)))
		}

		if err := m.queue.Submit(alert); err != nil {
			m.logger.Warn("alert not queued",
				zap.String("alert_id", alert.ID.String()),
				zap.String("guild_id", msg.GuildID),
				zap.String("user_id", msg.AuthorID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("submit %s alert: %w", kind, err)
			}
		}
		m.audit.Log(ctx, level, msg.GuildID, msg.AuthorID, event, detail)
		if m.store != nil {
			if _, err := m.store.IncrementInfraction(ctx, msg.GuildID, msg.AuthorID, category, "alert", alert.CreatedAt, 7*24*time.Hour); err != nil {
				m.logger.Warn("record infraction failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
			}
		}
	}

	if verdict.Link.Kind == antiphishing.KindBait && m.store != nil {
		url := verdict.Link.URL
		if normalized, _, err := utils.NormalizeURL(url); err == nil {
			url = normalized
		}
		link := storage.SuspiciousLink{
			GuildID:   msg.GuildID,
			UserID:    msg.AuthorID,
			ChannelID: msg.ChannelID,
			URL:       url,
			Content:   msg.Content,
			CreatedAt: m.clock.Now(),
		}
		if err := m.store.AddSuspiciousLink(ctx, link); err != nil {
			m.logger.Warn("record suspicious link failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("record suspicious link: %w", err)
			}
		}
		m.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.AuthorID, audit.EventBaitLink, "domain="+verdict.Link.Domain)
	}
	return firstErr
}

// Configure applies update to the guild's moderation settings and writes the
// result through to the store.
func (m *Module) Configure(ctx context.Context, guildID string, update func(*cache.Moderation)) (cache.Moderation, error) {
	g, err := m.cache.Load(ctx, guildID)
	if err != nil {
		return cache.Moderation{}, err
	}

	g.Lock()
	defer g.Unlock()
	current, _ := g.Moderation()
	update(&current)
	err = m.store.UpsertModerationConfig(ctx, storage.ModerationConfig{
		GuildID:          guildID,
		LoggingChannelID: current.LoggingChannelID,
		AlertRoleID:      current.AlertRoleID,
		Prefix:           current.Prefix,
	})
	if err != nil {
		return cache.Moderation{}, fmt.Errorf("save moderation config: %w", err)
	}
	g.SetModeration(current)
	return current, nil
}

func (m *Module) Settings(ctx context.Context, guildID string) (cache.Moderation, bool, error) {
	g, err := m.cache.Load(ctx, guildID)
	if err != nil {
		return cache.Moderation{}, false, err
	}
	g.Lock()
	defer g.Unlock()
	mod, ok := g.Moderation()
	return mod, ok, nil
}

// appendRef keeps one ref per channel, with ref as the latest entry. Spread
// only needs the distinct channels, so repeats in a channel replace each other.
func appendRef(messages []cache.MessageRef, ref cache.MessageRef) []cache.MessageRef {
	out := messages[:0]
	for _, m := range messages {
		if m.ChannelID != ref.ChannelID {
			out = append(out, m)
		}
	}
	return append(out, ref)
}

func spread(messages []cache.MessageRef, totalChannels int) float64 {
	if totalChannels <= 0 {
		return 0
	}
	return float64(len(distinctChannels(messages))) / float64(totalChannels) * 100
}

func distinctChannels(messages []cache.MessageRef) map[string]struct{} {
	out := make(map[string]struct{}, len(messages))
	for _, ref := range messages {
		out[ref.ChannelID] = struct{}{}
	}
	return out
}
