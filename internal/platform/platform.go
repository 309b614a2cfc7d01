// Package platform isolates the chat platform behind a message model and the
// few actions the moderation modules need.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotModeratable is returned when the bot's highest role does not outrank
// the target member, or the target owns the guild.
var ErrNotModeratable = errors.New("platform: member outranks the bot")

type Message struct {
	ID             string
	GuildID        string
	ChannelID      string
	AuthorID       string
	AuthorIsBot    bool
	Content        string
	HasAttachments bool
	CreatedAt      time.Time
}

type MessageDeleter interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

type Timeouter interface {
	TimeoutMember(ctx context.Context, guildID, memberID string, d time.Duration) error
}

type ChannelCounter interface {
	TextChannelCount(ctx context.Context, guildID string) (int, error)
}

type HistoryReader interface {
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
}

type Moderator interface {
	Timeouter
	BanMember(ctx context.Context, guildID, memberID, reason string) error
	KickMember(ctx context.Context, guildID, memberID, reason string) error
	CanModerate(ctx context.Context, guildID, memberID string) error
	MemberHasPermission(ctx context.Context, guildID, memberID string, perm int64) (bool, error)
}
