package storage

import (
	"context"
	"database/sql"
	"errors"
)

type ModerationConfig struct {
	GuildID          string
	LoggingChannelID string
	AlertRoleID      string
	Prefix           string
}

func (s *Store) GetModerationConfig(ctx context.Context, guildID string) (ModerationConfig, bool, error) {
	type result struct {
		cfg ModerationConfig
		ok  bool
	}
	res, err := run(ctx, s, func(ctx context.Context) (result, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT guild_id, logging_channel_id, alert_role_id, prefix
			FROM moderation_config WHERE guild_id = ?`), guildID)

		var cfg ModerationConfig
		if err := row.Scan(&cfg.GuildID, &cfg.LoggingChannelID, &cfg.AlertRoleID, &cfg.Prefix); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return result{}, nil
			}
			return result{}, err
		}
		return result{cfg: cfg, ok: true}, nil
	})
	return res.cfg, res.ok, err
}

func (s *Store) UpsertModerationConfig(ctx context.Context, cfg ModerationConfig) error {
	return s.exec(ctx, `
		INSERT INTO moderation_config (guild_id, logging_channel_id, alert_role_id, prefix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			logging_channel_id = excluded.logging_channel_id,
			alert_role_id = excluded.alert_role_id,
			prefix = excluded.prefix
	`, cfg.GuildID, cfg.LoggingChannelID, cfg.AlertRoleID, cfg.Prefix)
}
