package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Infraction categories recorded by the moderation modules.
const (
	CategoryCounting = "counting"
	CategoryRaid     = "raid"
	CategoryPhishing = "phishing"
)

type UserInfraction struct {
	GuildID    string
	UserID     string
	Category   string
	CountTotal int
	LastAt     time.Time
	LastAction string
	ResetAt    *time.Time
}

func (s *Store) GetInfraction(ctx context.Context, guildID, userID, category string) (UserInfraction, error) {
	return run(ctx, s, func(ctx context.Context) (UserInfraction, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT guild_id, user_id, category, count_total, last_at, COALESCE(last_action, ''), reset_at
			FROM user_infractions
			WHERE guild_id = ? AND user_id = ? AND category = ?
		`), guildID, userID, category)

		var inf UserInfraction
		var lastAt int64
		var resetAt sql.NullInt64
		if err := row.Scan(&inf.GuildID, &inf.UserID, &inf.Category, &inf.CountTotal, &lastAt, &inf.LastAction, &resetAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return UserInfraction{}, nil
			}
			return UserInfraction{}, err
		}
		inf.LastAt = time.Unix(lastAt, 0)
		if resetAt.Valid {
			value := time.Unix(resetAt.Int64, 0)
			inf.ResetAt = &value
		}
		return inf, nil
	})
}

// IncrementInfraction bumps the member's tally for category at time at and
// returns the new total. A tally whose reset time has passed starts over.
func (s *Store) IncrementInfraction(ctx context.Context, guildID, userID, category, lastAction string, at time.Time, forgiveAfter time.Duration) (int, error) {
	return run(ctx, s, func(ctx context.Context) (count int, err error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()

		var resetAt sql.NullInt64
		row := tx.QueryRowContext(ctx, s.rebind(`
			SELECT count_total, reset_at
			FROM user_infractions
			WHERE guild_id = ? AND user_id = ? AND category = ?
		`), guildID, userID, category)
		scanErr := row.Scan(&count, &resetAt)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return 0, scanErr
		}
		if scanErr == nil && resetAt.Valid && at.Unix() >= resetAt.Int64 {
			count = 0
		}
		count++

		var nextReset any
		if forgiveAfter > 0 {
			nextReset = at.Add(forgiveAfter).Unix()
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO user_infractions (guild_id, user_id, category, count_total, last_at, last_action, reset_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(guild_id, user_id, category) DO UPDATE SET
				count_total = excluded.count_total,
				last_at = excluded.last_at,
				last_action = excluded.last_action,
				reset_at = excluded.reset_at
		`), guildID, userID, category, count, at.Unix(), lastAction, nextReset)
		if err != nil {
			return 0, err
		}
		if err = tx.Commit(); err != nil {
			return 0, err
		}
		return count, nil
	})
}
