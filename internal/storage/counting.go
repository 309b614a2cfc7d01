package storage

import (
	"context"
	"database/sql"
	"errors"
)

type CountRecord struct {
	GuildID   string
	ChannelID string
	Count     int64
	AuthorID  string
	MessageID string
}

func (s *Store) GetCountRecord(ctx context.Context, guildID string) (CountRecord, bool, error) {
	type result struct {
		rec CountRecord
		ok  bool
	}
	res, err := run(ctx, s, func(ctx context.Context) (result, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT guild_id, channel_id, count, author_id, message_id
			FROM count_state WHERE guild_id = ?`), guildID)

		var rec CountRecord
		err := row.Scan(&rec.GuildID, &rec.ChannelID, &rec.Count, &rec.AuthorID, &rec.MessageID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return result{}, nil
			}
			return result{}, err
		}
		return result{rec: rec, ok: true}, nil
	})
	return res.rec, res.ok, err
}

func (s *Store) ListCountRecords(ctx context.Context) ([]CountRecord, error) {
	return run(ctx, s, func(ctx context.Context) ([]CountRecord, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT guild_id, channel_id, count, author_id, message_id
			FROM count_state ORDER BY guild_id`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var records []CountRecord
		for rows.Next() {
			var rec CountRecord
			if err := rows.Scan(&rec.GuildID, &rec.ChannelID, &rec.Count, &rec.AuthorID, &rec.MessageID); err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, rows.Err()
	})
}

// SetCountChannel binds the counting game to channelID. A new row starts at
// zero; an existing row keeps its count.
func (s *Store) SetCountChannel(ctx context.Context, guildID, channelID string) error {
	return s.exec(ctx, `
		INSERT INTO count_state (guild_id, channel_id, count, author_id, message_id)
		VALUES (?, ?, 0, '', '')
		ON CONFLICT(guild_id) DO UPDATE SET
			channel_id = excluded.channel_id
	`, guildID, channelID)
}

// SetCount overrides the stored count and forgets the last author so anyone
// may post the next number.
func (s *Store) SetCount(ctx context.Context, guildID string, count int64) error {
	res, err := run(ctx, s, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, s.rebind(`
			UPDATE count_state SET count = ?, author_id = '', message_id = ''
			WHERE guild_id = ?`), count, guildID)
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AdvanceCount(ctx context.Context, rec CountRecord) error {
	return s.exec(ctx, `
		INSERT INTO count_state (guild_id, channel_id, count, author_id, message_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			count = excluded.count,
			author_id = excluded.author_id,
			message_id = excluded.message_id
	`, rec.GuildID, rec.ChannelID, rec.Count, rec.AuthorID, rec.MessageID)
}
