package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"countwarden/internal/alerts"
	"countwarden/internal/modules/audit"
	"countwarden/internal/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const alertButtonPrefix = "alert_"

type alertAction string

const (
	actionBan     alertAction = "ban"
	actionKick    alertAction = "kick"
	actionTimeout alertAction = "timeout"
)

func (a alertAction) verb() string {
	switch a {
	case actionBan:
		return "ban"
	case actionKick:
		return "kick"
	default:
		return "timeout"
	}
}

func (a alertAction) permission() int64 {
	switch a {
	case actionBan:
		return discordgo.PermissionBanMembers
	case actionKick:
		return discordgo.PermissionKickMembers
	default:
		return discordgo.PermissionModerateMembers
	}
}

func alertCustomID(action alertAction, memberID string) string {
	return alertButtonPrefix + string(action) + "_" + memberID
}

// parseAlertCustomID splits a button id of the form alert_<action>_<member>.
func parseAlertCustomID(customID string) (alertAction, string, bool) {
	rest, ok := strings.CutPrefix(customID, alertButtonPrefix)
	if !ok {
		return "", "", false
	}
	action, memberID, ok := strings.Cut(rest, "_")
	if !ok || memberID == "" {
		return "", "", false
	}
	switch alertAction(action) {
	case actionBan, actionKick, actionTimeout:
		return alertAction(action), memberID, true
	}
	return "", "", false
}

// alertMention pings the alert role. The guild's everyone-role has the guild's
// id and cannot be mentioned with the role syntax.
func alertMention(guildID, roleID string) (string, *discordgo.MessageAllowedMentions) {
	switch roleID {
	case "":
		return "", &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
	case guildID:
		return "@everyone", &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone},
		}
	default:
		return "<@&" + roleID + ">", &discordgo.MessageAllowedMentions{Roles: []string{roleID}}
	}
}

func alertComponents(memberID string, timeout time.Duration) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Actions:",
				Style:    discordgo.SecondaryButton,
				Disabled: true,
				CustomID: "alert_label_" + memberID,
			},
			discordgo.Button{
				Label:    "Ban Member",
				Style:    discordgo.DangerButton,
				CustomID: alertCustomID(actionBan, memberID),
			},
			discordgo.Button{
				Label:    "Kick Member",
				Style:    discordgo.DangerButton,
				CustomID: alertCustomID(actionKick, memberID),
			},
			discordgo.Button{
				Label:    fmt.Sprintf("Timeout Member (%d min)", int(timeout.Minutes())),
				Style:    discordgo.PrimaryButton,
				CustomID: alertCustomID(actionTimeout, memberID),
			},
		}},
	}
}

func (b *Bot) alertEmbed(alert alerts.Alert) *discordgo.MessageEmbed {
	var title, description string
	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + alert.MemberID + ">", Inline: true},
		{Name: "Channel", Value: "<#" + alert.ChannelID + ">", Inline: true},
	}
	switch alert.Kind {
	case alerts.KindGuaranteed:
		title = "Known phishing link"
		description = "A member posted a link to a domain on the phishing list."
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Domain", Value: alert.Domain, Inline: true},
			&discordgo.MessageEmbedField{Name: "Link", Value: truncate(alert.URL, 1024)},
		)
	default:
		title = "Possible raid"
		description = "A member repeated the same message across many channels."
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Repeats", Value: strconv.Itoa(alert.Repeats), Inline: true},
			&discordgo.MessageEmbedField{Name: "Channel spread", Value: fmt.Sprintf("%.0f%%", alert.Spread), Inline: true},
		)
	}
	if alert.Content != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Content", Value: truncate(alert.Content, 1024)})
	}

	embed := b.commandEmbed(title, description, b.cfg.Notifications.EmbedColors.Warning, fields)
	embed.Timestamp = alert.CreatedAt.Format(time.RFC3339)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Alert " + alert.ID.String()}
	return embed
}

func (b *Bot) deliverAlert(ctx context.Context, alert alerts.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, mentions := alertMention(alert.GuildID, alert.AlertRoleID)
	_, err := b.session.ChannelMessageSendComplex(alert.LoggingChannelID, &discordgo.MessageSend{
		Content:         content,
		Embeds:          []*discordgo.MessageEmbed{b.alertEmbed(alert)},
		Components:      alertComponents(alert.MemberID, b.cfg.Alerts.Timeout()),
		AllowedMentions: mentions,
	})
	if err != nil {
		return fmt.Errorf("send alert to %s: %w", alert.LoggingChannelID, err)
	}
	return nil
}

type actionRequest struct {
	GuildID     string
	ModeratorID string
	CustomID    string
}

type actionOutcome struct {
	Message   string
	Ephemeral bool
}

// applyAlertAction carries out a moderator's button press. The moderator needs
// the permission matching the action and the bot must outrank the target.
func applyAlertAction(ctx context.Context, moderator platform.Moderator, auditLogger *audit.Logger, timeout time.Duration, req actionRequest) actionOutcome {
	action, memberID, ok := parseAlertCustomID(req.CustomID)
	if !ok {
		return actionOutcome{Message: "This button is no longer valid.", Ephemeral: true}
	}
	allowed, err := moderator.MemberHasPermission(ctx, req.GuildID, req.ModeratorID, action.permission())
	if err != nil {
		return actionOutcome{Message: "Could not check your permissions: " + err.Error(), Ephemeral: true}
	}
	if !allowed {
		return actionOutcome{Message: "You do not have permission to " + action.verb() + " members.", Ephemeral: true}
	}

	if err := moderator.CanModerate(ctx, req.GuildID, memberID); err != nil {
		if errors.Is(err, platform.ErrNotModeratable) {
			return actionOutcome{Message: "My role is lower than the member you are trying to " + action.verb() + ".", Ephemeral: true}
		}
		return actionOutcome{Message: "Could not check the member: " + err.Error(), Ephemeral: true}
	}

	reason := fmt.Sprintf("Alert action by %s", req.ModeratorID)
	switch action {
	case actionBan:
		err = moderator.BanMember(ctx, req.GuildID, memberID, reason)
	case actionKick:
		err = moderator.KickMember(ctx, req.GuildID, memberID, reason)
	case actionTimeout:
		err = moderator.TimeoutMember(ctx, req.GuildID, memberID, timeout)
	}
	if err != nil {
		auditLogger.Log(ctx, audit.LevelWarn, req.GuildID, memberID, audit.EventModeratorFailed,
			fmt.Sprintf("%s by %s failed: %v", action, req.ModeratorID, err))
		return actionOutcome{Message: "Failed to " + action.verb() + " <@" + memberID + ">: " + err.Error(), Ephemeral: true}
	}

	auditLogger.Log(ctx, audit.LevelInfo, req.GuildID, memberID, audit.EventModeratorAction,
		fmt.Sprintf("%s by %s", action, req.ModeratorID))
	return actionOutcome{Message: "<@" + req.ModeratorID + "> chose to " + action.verb() + " <@" + memberID + ">!"}
}

func (b *Bot) handleAlertButton(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.GuildID == "" || interaction.Member == nil || interaction.Member.User == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	outcome := applyAlertAction(ctx, b.platform, b.audit, b.cfg.Alerts.Timeout(), actionRequest{
		GuildID:     interaction.GuildID,
		ModeratorID: interaction.Member.User.ID,
		CustomID:    interaction.MessageComponentData().CustomID,
	})
	if outcome.Ephemeral {
		b.logger.Debug("alert action rejected",
			zap.String("guild_id", interaction.GuildID),
			zap.String("user_id", interaction.Member.User.ID),
			zap.String("reason", outcome.Message),
		)
	}
	b.respond(session, interaction, outcome.Message, outcome.Ephemeral)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(c byte) bool { return c&0xC0 != 0x80 }
