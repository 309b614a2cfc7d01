package storage

import (
	"context"
	"time"
)

// SuspiciousLink is one bait-phrase hit. The table is append-only.
type SuspiciousLink struct {
	ID        int64
	GuildID   string
	UserID    string
	ChannelID string
	URL       string
	Content   string
	CreatedAt time.Time
}

func (s *Store) AddSuspiciousLink(ctx context.Context, link SuspiciousLink) error {
	return s.exec(ctx, `
		INSERT INTO suspicious_links (guild_id, user_id, channel_id, url, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, link.GuildID, link.UserID, link.ChannelID, link.URL, link.Content, link.CreatedAt.Unix())
}

func (s *Store) ListSuspiciousLinks(ctx context.Context, guildID string, limit int) ([]SuspiciousLink, error) {
	if limit <= 0 {
		limit = 50
	}
	return run(ctx, s, func(ctx context.Context) ([]SuspiciousLink, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT id, guild_id, user_id, channel_id, url, content, created_at
			FROM suspicious_links
			WHERE guild_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`), guildID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var links []SuspiciousLink
		for rows.Next() {
			var link SuspiciousLink
			var created int64
			if err := rows.Scan(&link.ID, &link.GuildID, &link.UserID, &link.ChannelID, &link.URL, &link.Content, &created); err != nil {
				return nil, err
			}
			link.CreatedAt = time.Unix(created, 0)
			links = append(links, link)
		}
		return links, rows.Err()
	})
}
