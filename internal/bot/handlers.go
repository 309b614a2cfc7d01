package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"countwarden/internal/analytics"
	"countwarden/internal/cache"
	"countwarden/internal/modules/audit"
	"countwarden/internal/modules/counting"
	"countwarden/internal/modules/leveling"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type commandOptions map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) commandOptions {
	out := make(commandOptions, len(options))
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

// id returns the snowflake carried by a channel, role or user option.
func (o commandOptions) id(name string) (string, bool) {
	opt, ok := o[name]
	if !ok {
		return "", false
	}
	value, ok := opt.Value.(string)
	return value, ok && value != ""
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	switch interaction.Type {
	case discordgo.InteractionMessageComponent:
		if strings.HasPrefix(interaction.MessageComponentData().CustomID, alertButtonPrefix) {
			b.handleAlertButton(session, interaction)
		}
		return
	case discordgo.InteractionApplicationCommand:
	default:
		return
	}

	if interaction.GuildID == "" {
		b.respond(session, interaction, "This command only works inside a server.", true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	data := interaction.ApplicationCommandData()
	options := optionMap(data.Options)
	switch data.Name {
	case "setup":
		b.handleSetup(ctx, session, interaction, options)
	case "serverconfig":
		b.handleServerConfig(ctx, session, interaction, options)
	case "rank":
		b.handleRank(ctx, session, interaction, options)
	case "modreport":
		b.handleModReport(ctx, session, interaction, options)
	}
}

func (b *Bot) handleSetup(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options commandOptions) {
	guildID := interaction.GuildID
	colors := b.cfg.Notifications.EmbedColors
	fail := func(err error) {
		msg := "Something went wrong while updating the counting game."
		if errors.Is(err, counting.ErrNotConfigured) {
			msg = "Set a counting channel first."
		} else {
			b.logger.Warn("setup failed", zap.String("guild_id", guildID), zap.Error(err))
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Counting", msg, colors.Error, nil), true)
	}

	changed := false
	if channelID, ok := options.id("channel"); ok {
		if err := b.counting.SetChannel(ctx, guildID, channelID); err != nil {
			fail(err)
			return
		}
		changed = true
	}
	if opt, ok := options["count"]; ok {
		if err := b.counting.SetCount(ctx, guildID, opt.IntValue()); err != nil {
			fail(err)
			return
		}
		changed = true
	}
	note := ""
	if opt, ok := options["existing"]; ok && opt.BoolValue() {
		n, found, err := b.counting.SeedFromHistory(ctx, guildID)
		if err != nil {
			fail(err)
			return
		}
		if found {
			note = fmt.Sprintf("Continuing from %d.", n)
		} else {
			note = "No number found in recent messages."
		}
		changed = true
	}

	state, ok, err := b.counting.State(ctx, guildID)
	if err != nil {
		fail(err)
		return
	}
	if changed {
		b.audit.Log(ctx, audit.LevelInfo, guildID, memberID(interaction), audit.EventConfigUpdated,
			fmt.Sprintf("counting channel=%s count=%d", state.ChannelID, state.Count))
	}

	description := note
	if description == "" {
		description = "Current counting configuration."
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Counting", description, colors.Action, countFields(state, ok)), true)
}

func countFields(state cache.CountState, ok bool) []*discordgo.MessageEmbedField {
	channel := "Not set"
	if ok && state.ChannelID != "" {
		channel = "<#" + state.ChannelID + ">"
	}
	last := "Anyone"
	if state.LastAuthorID != "" {
		last = "<@" + state.LastAuthorID + ">"
	}
	return []*discordgo.MessageEmbedField{
		{Name: "Channel", Value: channel, Inline: true},
		{Name: "Current number", Value: strconv.FormatInt(state.Count, 10), Inline: true},
		{Name: "Last counter", Value: last, Inline: true},
	}
}

func (b *Bot) handleServerConfig(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options commandOptions) {
	guildID := interaction.GuildID
	colors := b.cfg.Notifications.EmbedColors

	if len(options) == 0 {
		mod, _, err := b.antiraid.Settings(ctx, guildID)
		if err != nil {
			b.logger.Warn("load moderation settings failed", zap.String("guild_id", guildID), zap.Error(err))
			b.respondEmbed(session, interaction, b.commandEmbed("Server configuration", "Could not load the settings.", colors.Error, nil), true)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Server configuration", "Current moderation settings.", colors.Action, b.moderationFields(mod)), true)
		return
	}

	prefix := ""
	if opt, ok := options["prefix"]; ok {
		prefix = strings.TrimSpace(opt.StringValue())
		if prefix == "" || strings.ContainsAny(prefix, " \t\n") {
			b.respondEmbed(session, interaction, b.commandEmbed("Server configuration", "The prefix cannot be blank or contain spaces.", colors.Error, nil), true)
			return
		}
	}

	mod, err := b.antiraid.Configure(ctx, guildID, func(m *cache.Moderation) {
		if id, ok := options.id("logging_channel"); ok {
			m.LoggingChannelID = id
		}
		if id, ok := options.id("alert_role"); ok {
			m.AlertRoleID = id
		}
		if prefix != "" {
			m.Prefix = prefix
		}
	})
	if err != nil {
		b.logger.Warn("update moderation settings failed", zap.String("guild_id", guildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Server configuration", "Could not save the settings.", colors.Error, nil), true)
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, guildID, memberID(interaction), audit.EventConfigUpdated,
		fmt.Sprintf("logging=%s role=%s prefix=%s", mod.LoggingChannelID, mod.AlertRoleID, mod.Prefix))
	b.respondEmbed(session, interaction, b.commandEmbed("Server configuration", "Settings updated.", colors.Action, b.moderationFields(mod)), true)
}

func (b *Bot) moderationFields(mod cache.Moderation) []*discordgo.MessageEmbedField {
	logging := "Not set (raid alerts disabled)"
	if mod.LoggingChannelID != "" {
		logging = "<#" + mod.LoggingChannelID + ">"
	}
	role := "Not set"
	if mod.AlertRoleID != "" {
		role = "<@&" + mod.AlertRoleID + ">"
	}
	prefix := mod.Prefix
	if prefix == "" {
		prefix = b.cfg.DefaultPrefix + " (default)"
	}
	return []*discordgo.MessageEmbedField{
		{Name: "Logging channel", Value: logging, Inline: true},
		{Name: "Alert role", Value: role, Inline: true},
		{Name: "Prefix", Value: prefix, Inline: true},
	}
}

func (b *Bot) handleRank(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options commandOptions) {
	colors := b.cfg.Notifications.EmbedColors

	var user *discordgo.User
	if opt, ok := options["member"]; ok {
		user = opt.UserValue(session)
	}
	if user == nil && interaction.Member != nil {
		user = interaction.Member.User
	}
	if user == nil {
		b.respond(session, interaction, "Could not resolve the member.", true)
		return
	}
	if user.Bot {
		b.respondEmbed(session, interaction, b.commandEmbed("Rank", "Bots do not earn experience.", colors.Error, nil), true)
		return
	}

	info, ok, err := b.leveling.Rank(ctx, interaction.GuildID, user.ID)
	if err != nil {
		b.logger.Warn("rank lookup failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", user.ID), zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Rank", "Could not load the rank.", colors.Error, nil), true)
		return
	}
	if !ok {
		b.respondEmbed(session, interaction, b.commandEmbed("Rank", "<@"+user.ID+"> has not earned any experience yet.", colors.Action, nil), false)
		return
	}

	if b.renderer != nil {
		card := leveling.RankCard{RankInfo: info, DisplayName: user.Username, Avatar: b.fetchAvatar(ctx, user)}
		image, err := b.renderer.Render(ctx, card)
		if err == nil {
			_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Files: []*discordgo.File{{Name: "rank.png", ContentType: "image/png", Reader: bytes.NewReader(image)}},
				},
			})
			return
		}
		b.logger.Warn("rank card render failed", zap.String("user_id", user.ID), zap.Error(err))
	}

	b.respondEmbed(session, interaction, b.rankEmbed(user, info), false)
}

func (b *Bot) rankEmbed(user *discordgo.User, info leveling.RankInfo) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Rank", Value: "#" + strconv.Itoa(info.Rank), Inline: true},
		{Name: "Level", Value: strconv.FormatInt(info.Level, 10), Inline: true},
		{Name: "Experience", Value: fmt.Sprintf("%d / %d", info.Exp, info.Threshold), Inline: true},
		{Name: "Total", Value: strconv.FormatInt(info.TotalExp, 10), Inline: true},
	}
	embed := b.commandEmbed(user.Username, "", b.cfg.Notifications.EmbedColors.Action, fields)
	embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: user.AvatarURL("128")}
	return embed
}

func (b *Bot) fetchAvatar(ctx context.Context, user *discordgo.User) []byte {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, user.AvatarURL("256"), nil)
	if err != nil {
		return nil
	}
	resp, err := b.session.Client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil
	}
	return data
}

func (b *Bot) handleModReport(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options commandOptions) {
	colors := b.cfg.Notifications.EmbedColors
	hours := int64(24)
	if opt, ok := options["hours"]; ok && opt.IntValue() > 0 {
		hours = opt.IntValue()
	}

	report, err := b.analytics.Report(ctx, interaction.GuildID, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		b.logger.Warn("moderation report failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation report", "Could not build the report.", colors.Error, nil), true)
		return
	}
	description := fmt.Sprintf("Activity over the last %d hours.", hours)
	b.respondEmbed(session, interaction, b.commandEmbed("Moderation report", description, colors.Action, reportFields(report)), true)
}

func reportFields(report analytics.Report) []*discordgo.MessageEmbedField {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Entries", Value: strconv.Itoa(report.Total), Inline: true},
		{Name: "Warnings", Value: strconv.Itoa(report.ByLevel[audit.LevelWarn]), Inline: true},
		{Name: "Critical", Value: strconv.Itoa(report.ByLevel[audit.LevelCrit]), Inline: true},
		{Name: "Raid alerts", Value: strconv.Itoa(report.ByEvent[audit.EventRaidAlert]), Inline: true},
		{Name: "Phishing alerts", Value: strconv.Itoa(report.ByEvent[audit.EventPhishingAlert]), Inline: true},
		{Name: "Counting timeouts", Value: strconv.Itoa(report.ByEvent[audit.EventCountingTimeout]), Inline: true},
		{Name: "Bait links", Value: strconv.Itoa(report.BaitLinks), Inline: true},
	}
	if len(report.TopUsers) > 0 {
		lines := make([]string, 0, len(report.TopUsers))
		for _, u := range report.TopUsers {
			lines = append(lines, fmt.Sprintf("<@%s> (%d, %d infractions)", u.UserID, u.Count, u.Infractions))
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Most flagged", Value: strings.Join(lines, "\n")})
	}
	return fields
}

func memberID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}
