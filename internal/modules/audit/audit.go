package audit

import (
	"context"
	"time"

	"countwarden/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// Event names written to the trail.
const (
	EventCountingTimeout  = "counting_timeout"
	EventCountingFailed   = "counting_timeout_failed"
	EventRaidAlert        = "raid_alert"
	EventPhishingAlert    = "phishing_alert"
	EventBaitLink         = "bait_link"
	EventModeratorAction  = "moderator_action"
	EventModeratorFailed  = "moderator_action_failed"
	EventConfigUpdated    = "config_updated"
	EventCountingReseeded = "counting_reseeded"
)

type Store interface {
	AddAuditLog(ctx context.Context, log storage.AuditLog) error
}

type Logger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLogger writes entries to store when it is non-nil and always to zap.
func NewLogger(store Store, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger.Named("audit"), now: time.Now}
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	if l == nil {
		return
	}
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
	if l.store != nil {
		if err := l.store.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("audit write failed", zap.String("event", event), zap.Error(err))
		}
	}
	l.logger.Info("audit", zap.String("level", level), zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("event", event), zap.String("details", details))
}
