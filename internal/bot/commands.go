package bot

import "github.com/bwmarrin/discordgo"

var (
	manageServer = int64(discordgo.PermissionManageServer)
	dmDisabled   = false
	minCount     = float64(0)
	minHours     = float64(1)
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "setup",
			Description:              "View or configure the counting channel",
			DefaultMemberPermissions: &manageServer,
			DMPermission:             &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "Channel where members count",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "Set the current number",
					MinValue:    &minCount,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "existing",
					Description: "Continue from the latest number already in the channel",
				},
			},
		},
		{
			Name:                     "serverconfig",
			Description:              "View or update moderation settings",
			DefaultMemberPermissions: &manageServer,
			DMPermission:             &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "logging_channel",
					Description:  "Channel that receives alerts",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "alert_role",
					Description: "Role pinged with each alert",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prefix",
					Description: "Command prefix ignored by leveling",
					MaxLength:   5,
				},
			},
		},
		{
			Name:         "rank",
			Description:  "Show level and rank",
			DMPermission: &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "member",
					Description: "Member to look up",
				},
			},
		},
		{
			Name:                     "modreport",
			Description:              "Summarise recent moderation activity",
			DefaultMemberPermissions: &manageServer,
			DMPermission:             &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "hours",
					Description: "How far back to look (default 24)",
					MinValue:    &minHours,
					MaxValue:    24 * 14,
				},
			},
		},
	}
}

func (b *Bot) registerCommands() error {
	commands := commandDefinitions()

	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
