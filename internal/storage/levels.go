package storage

import (
	"context"
	"database/sql"
	"errors"
)

type LevelRecord struct {
	GuildID  string
	MemberID string
	Exp      int64
	TotalExp int64
	Level    int64
}

func (s *Store) GetLevel(ctx context.Context, guildID, memberID string) (LevelRecord, bool, error) {
	type result struct {
		rec LevelRecord
		ok  bool
	}
	res, err := run(ctx, s, func(ctx context.Context) (result, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT guild_id, member_id, exp, total_exp, level
			FROM member_levels WHERE guild_id = ? AND member_id = ?`), guildID, memberID)

		var rec LevelRecord
		if err := row.Scan(&rec.GuildID, &rec.MemberID, &rec.Exp, &rec.TotalExp, &rec.Level); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return result{}, nil
			}
			return result{}, err
		}
		return result{rec: rec, ok: true}, nil
	})
	return res.rec, res.ok, err
}

func (s *Store) UpsertLevel(ctx context.Context, rec LevelRecord) error {
	return s.exec(ctx, `
		INSERT INTO member_levels (guild_id, member_id, exp, total_exp, level)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, member_id) DO UPDATE SET
			exp = excluded.exp,
			total_exp = excluded.total_exp,
			level = excluded.level
	`, rec.GuildID, rec.MemberID, rec.Exp, rec.TotalExp, rec.Level)
}

// LevelRank returns the 1-based position of memberID within its guild,
// ordered by total exp and then by member id, both descending. Member ids are
// decimal snowflakes, so a longer id is the larger number.
func (s *Store) LevelRank(ctx context.Context, guildID, memberID string) (int, bool, error) {
	rec, ok, err := s.GetLevel(ctx, guildID, memberID)
	if err != nil || !ok {
		return 0, ok, err
	}

	ahead, err := run(ctx, s, func(ctx context.Context) (int, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT COUNT(*) FROM member_levels
			WHERE guild_id = ? AND (
				total_exp > ?
				OR (total_exp = ? AND (
					LENGTH(member_id) > ?
					OR (LENGTH(member_id) = ? AND member_id > ?)
				))
			)`),
			guildID, rec.TotalExp, rec.TotalExp, len(memberID), len(memberID), memberID)
		var n int
		err := row.Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, false, err
	}
	return ahead + 1, true, nil
}
