package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

type Discord struct {
	session *discordgo.Session
}

func NewDiscord(session *discordgo.Session) *Discord {
	return &Discord{session: session}
}

func FromDiscord(msg *discordgo.Message) Message {
	out := Message{
		ID:             msg.ID,
		GuildID:        msg.GuildID,
		ChannelID:      msg.ChannelID,
		Content:        msg.Content,
		HasAttachments: len(msg.Attachments) > 0,
		CreatedAt:      msg.Timestamp,
	}
	if msg.Author != nil {
		out.AuthorID = msg.Author.ID
		out.AuthorIsBot = msg.Author.Bot
	}
	return out
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.session.ChannelMessageDelete(channelID, messageID)
}

func (d *Discord) TimeoutMember(ctx context.Context, guildID, memberID string, dur time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	until := time.Now().Add(dur)
	return d.session.GuildMemberTimeout(guildID, memberID, &until)
}

func (d *Discord) BanMember(ctx context.Context, guildID, memberID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.session.GuildBanCreateWithReason(guildID, memberID, reason, 0)
}

func (d *Discord) KickMember(ctx context.Context, guildID, memberID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.session.GuildMemberDeleteWithReason(guildID, memberID, reason)
}

func (d *Discord) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := d.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, msg := range raw {
		if msg == nil {
			continue
		}
		out = append(out, FromDiscord(msg))
	}
	return out, nil
}

func (d *Discord) TextChannelCount(ctx context.Context, guildID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	channels := d.cachedChannels(guildID)
	if channels == nil {
		fetched, err := d.session.GuildChannels(guildID)
		if err != nil {
			return 0, err
		}
		channels = fetched
	}

	count := 0
	for _, ch := range channels {
		if ch != nil && ch.Type == discordgo.ChannelTypeGuildText {
			count++
		}
	}
	return count, nil
}

// CanModerate reports ErrNotModeratable unless the bot's highest role sits
// strictly above the member's highest role.
func (d *Discord) CanModerate(ctx context.Context, guildID, memberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	guild, err := d.guild(guildID)
	if err != nil {
		return err
	}
	if guild.OwnerID == memberID {
		return ErrNotModeratable
	}

	botMember, err := d.member(guildID, d.session.State.User.ID)
	if err != nil {
		return fmt.Errorf("resolve bot member: %w", err)
	}
	target, err := d.member(guildID, memberID)
	if err != nil {
		return fmt.Errorf("resolve member %s: %w", memberID, err)
	}

	if topRolePosition(guild, botMember) <= topRolePosition(guild, target) {
		return ErrNotModeratable
	}
	return nil
}

// MemberHasPermission resolves the member's role permissions in the guild.
// Owners and administrators hold every permission.
func (d *Discord) MemberHasPermission(ctx context.Context, guildID, memberID string, perm int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	guild, err := d.guild(guildID)
	if err != nil {
		return false, err
	}
	member, err := d.member(guildID, memberID)
	if err != nil {
		return false, fmt.Errorf("resolve member %s: %w", memberID, err)
	}
	return hasPermission(guild, member, perm), nil
}

// hasPermission reports whether member holds perm (or administrator)
// through any of its roles, including @everyone.
func hasPermission(guild *discordgo.Guild, member *discordgo.Member, perm int64) bool {
	if guild == nil || member == nil {
		return false
	}
	if member.User != nil && guild.OwnerID == member.User.ID {
		return true
	}
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	perms := int64(0)
	for _, role := range guild.Roles {
		roleMap[role.ID] = role
		if role.ID == guild.ID {
			perms |= role.Permissions
		}
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	return perms&discordgo.PermissionAdministrator != 0 || perms&perm != 0
}

func (d *Discord) cachedChannels(guildID string) []*discordgo.Channel {
	if d.session.State == nil {
		return nil
	}
	guild, err := d.session.State.Guild(guildID)
	if err != nil || guild == nil || len(guild.Channels) == 0 {
		return nil
	}
	return guild.Channels
}

func (d *Discord) guild(guildID string) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if guild, err := d.session.State.Guild(guildID); err == nil && guild != nil {
			return guild, nil
		}
	}
	return d.session.Guild(guildID)
}

func (d *Discord) member(guildID, userID string) (*discordgo.Member, error) {
	if d.session.State != nil {
		if member, err := d.session.State.Member(guildID, userID); err == nil && member != nil {
			return member, nil
		}
	}
	return d.session.GuildMember(guildID, userID)
}

func topRolePosition(guild *discordgo.Guild, member *discordgo.Member) int {
	positions := make(map[string]int, len(guild.Roles))
	for _, role := range guild.Roles {
		positions[role.ID] = role.Position
	}
	top := 0
	for _, roleID := range member.Roles {
		if pos, ok := positions[roleID]; ok && pos > top {
			top = pos
		}
	}
	return top
}
