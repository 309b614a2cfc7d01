package bot

import (
	"context"
	"time"

	"countwarden/internal/alerts"
	"countwarden/internal/analytics"
	"countwarden/internal/cache"
	"countwarden/internal/config"
	"countwarden/internal/feed"
	"countwarden/internal/modules/antiphishing"
	"countwarden/internal/modules/antiraid"
	"countwarden/internal/modules/audit"
	"countwarden/internal/modules/counting"
	"countwarden/internal/modules/leveling"
	"countwarden/internal/modules/ratelimit"
	"countwarden/internal/platform"
	"countwarden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const messageTimeout = 30 * time.Second

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	cache     *cache.Cache
	audit     *audit.Logger
	analytics *analytics.Service
	session   *discordgo.Session
	platform  *platform.Discord
	counting  *counting.Module
	ratelimit *ratelimit.Module
	antiraid  *antiraid.Module
	leveling  *leveling.Module
	queue     *alerts.Queue
	sweeper   *cache.Sweeper
	renderer  leveling.RankCardRenderer

	cancel     context.CancelFunc
	background conc.WaitGroup
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, guildCache *cache.Cache, domains *feed.Set, auditLogger *audit.Logger, analyticsService *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		cache:     guildCache,
		audit:     auditLogger,
		analytics: analyticsService,
		session:   session,
		platform:  platform.NewDiscord(session),
	}

	b.queue = alerts.NewQueue(alerts.DelivererFunc(b.deliverAlert), cfg.Alerts.QueueSize, cfg.Alerts.Workers, logger.Named("alerts"))
	b.ratelimit = ratelimit.New(guildCache, b.platform, store, auditLogger, ratelimit.Config{
		Threshold: cfg.Counting.RateLimitThreshold,
		Window:    cfg.Counting.Window(),
		Timeout:   cfg.Counting.Timeout(),
	}, logger)
	b.counting = counting.New(guildCache, store, b.platform, b.platform, b.ratelimit, auditLogger, logger)
	detector := antiphishing.New(domains, cfg.AntiRaid.BaitPhrases)
	b.antiraid = antiraid.New(guildCache, b.platform, detector, b.queue, store, auditLogger, antiraid.Config{
		SpreadPercent: cfg.AntiRaid.SpreadPercent,
	}, logger)
	b.leveling = leveling.New(guildCache, store, leveling.Config{
		Cooldown:      cfg.Leveling.Cooldown(),
		MinExp:        int64(cfg.Leveling.MinExp),
		MaxExp:        int64(cfg.Leveling.MaxExp),
		DefaultPrefix: cfg.DefaultPrefix,
	}, logger)
	b.sweeper = cache.NewSweeper(guildCache, cfg.AntiRaid.StaleAfter(), cfg.Counting.Window(), logger.Named("sweeper"))

	return b, nil
}

// SetRankCardRenderer plugs in an image renderer for /rank. Without one the
// command answers with an embed.
func (b *Bot) SetRankCardRenderer(renderer leveling.RankCardRenderer) {
	b.renderer = renderer
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.background.Go(func() { b.sweeper.Run(ctx, b.cfg.AntiRaid.SweepInterval()) })
	b.background.Go(func() { b.runRetention(ctx) })
	return nil
}

func (b *Bot) Close(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
	}
	b.background.Wait()

	done := make(chan struct{})
	go func() {
		b.queue.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("alert queue did not drain before shutdown", zap.Error(ctx.Err()))
	}

	stats := b.queue.Stats()
	b.logger.Info("alert queue closed",
		zap.Int64("delivered", stats.Delivered),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dropped", stats.Dropped),
	)
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()
	runPipelines(ctx, b.logger, platform.FromDiscord(msg.Message), b.pipelines())
}

type pipeline struct {
	name string
	run  func(ctx context.Context, msg platform.Message) error
}

func (b *Bot) pipelines() []pipeline {
	out := []pipeline{
		{name: "counting", run: func(ctx context.Context, msg platform.Message) error {
			_, err := b.counting.HandleMessage(ctx, msg)
			return err
		}},
		{name: "antiraid", run: func(ctx context.Context, msg platform.Message) error {
			_, err := b.antiraid.Inspect(ctx, msg)
			return err
		}},
	}
	if b.cfg.Leveling.Enabled {
		out = append(out, pipeline{name: "leveling", run: func(ctx context.Context, msg platform.Message) error {
			_, err := b.leveling.Award(ctx, msg)
			return err
		}})
	}
	return out
}

// runPipelines runs every pipeline for msg concurrently. An error or panic in
// one is logged and never reaches the others.
func runPipelines(ctx context.Context, logger *zap.Logger, msg platform.Message, pipelines []pipeline) {
	var wg conc.WaitGroup
	for _, p := range pipelines {
		wg.Go(func() {
			var err error
			var catcher panics.Catcher
			catcher.Try(func() { err = p.run(ctx, msg) })
			if recovered := catcher.Recovered(); recovered != nil {
				logger.Error("pipeline panicked",
					zap.String("pipeline", p.name),
					zap.String("guild_id", msg.GuildID),
					zap.String("channel_id", msg.ChannelID),
					zap.String("user_id", msg.AuthorID),
					zap.String("panic", recovered.String()),
				)
				return
			}
			if err != nil {
				logger.Warn("pipeline failed",
					zap.String("pipeline", p.name),
					zap.String("guild_id", msg.GuildID),
					zap.String("channel_id", msg.ChannelID),
					zap.String("user_id", msg.AuthorID),
					zap.Error(err),
				)
			}
		})
	}
	wg.Wait()
}

func (b *Bot) runRetention(ctx context.Context) {
	if b.cfg.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := b.store.CleanupAuditLogs(ctx, b.cfg.RetentionDays); err != nil && ctx.Err() == nil {
			b.logger.Warn("audit retention cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
