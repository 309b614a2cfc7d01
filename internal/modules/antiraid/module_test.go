package antiraid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"countwarden/internal/alerts"
	"countwarden/internal/cache"
	"countwarden/internal/feed"
	"countwarden/internal/modules/antiphishing"
	"countwarden/internal/modules/audit"
	"countwarden/internal/platform"
	"countwarden/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedChannels int

func (f fixedChannels) TextChannelCount(context.Context, string) (int, error) {
	return int(f), nil
}

type recordingQueue struct {
	mu     sync.Mutex
	alerts []alerts.Alert
	err    error
}

func (q *recordingQueue) Submit(a alerts.Alert) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.alerts = append(q.alerts, a)
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type harness struct {
	module *Module
	cache  *cache.Cache
	store  *storage.Store
	queue  *recordingQueue
}

func newHarness(t *testing.T, channels int) *harness {
	t.Helper()
	store, err := storage.New(storage.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(context.Background()))

	c := cache.New(store)
	q := &recordingQueue{}
	detector := antiphishing.New(feed.NewSet([]string{"steam-gift.ru"}), nil)
	m := New(c, fixedChannels(channels), detector, q, store, audit.NewLogger(store, zap.NewNop()), Config{SpreadPercent: 50}, zap.NewNop()).
		WithClock(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	_, err = m.Configure(context.Background(), "g1", func(mod *cache.Moderation) {
		mod.LoggingChannelID = "mod-log"
		mod.AlertRoleID = "mods"
	})
	require.NoError(t, err)
	return &harness{module: m, cache: c, store: store, queue: q}
}

func post(id, channel, content string) platform.Message {
	return platform.Message{ID: id, GuildID: "g1", ChannelID: channel, AuthorID: "spammer", Content: content}
}

func TestSpreadAtSixOfTenChannelsAlerts(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	var last Verdict
	for i := 1; i <= 6; i++ {
		v, err := h.module.Inspect(ctx, post(fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i), "join my server"))
		require.NoError(t, err)
		last = v
	}

	assert.True(t, last.Alerted(alerts.KindMessageViolation))
	assert.InDelta(t, 50.0, last.Spread, 0.001)
	require.Len(t, h.queue.alerts, 1)
	alert := h.queue.alerts[0]
	assert.Equal(t, alerts.KindMessageViolation, alert.Kind)
	assert.Equal(t, "join my server", alert.Content)
	assert.Equal(t, "mod-log", alert.LoggingChannelID)
	assert.Equal(t, "mods", alert.AlertRoleID)

	g := h.cache.GetOrCreate("g1")
	g.Lock()
	assert.NotContains(t, g.Raid, "spammer")
	g.Unlock()

	// The record was dropped, so the next copy starts a fresh run.
	v, err := h.module.Inspect(ctx, post("m7", "c7", "join my server"))
	require.NoError(t, err)
	assert.Empty(t, v.Alerts)
	assert.Equal(t, 1, v.RepeatCount)
}

func TestSpreadAtFourOfTenChannelsKeepsCounting(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	var last Verdict
	for i := 1; i <= 4; i++ {
		v, err := h.module.Inspect(ctx, post(fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i), "join my server"))
		require.NoError(t, err)
		last = v
	}
	assert.Empty(t, last.Alerts)
	assert.Equal(t, 4, last.RepeatCount)
	assert.Empty(t, h.queue.alerts)
}

func TestSameChannelRepeatsNeverSpread(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := h.module.Inspect(ctx, post(fmt.Sprintf("m%d", i), "c1", "spam"))
		require.NoError(t, err)
		assert.Empty(t, v.Alerts)
	}
}

func TestResetOnDifferentContentOrAttachment(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	_, _ = h.module.Inspect(ctx, post("m1", "c1", "hello"))
	v, _ := h.module.Inspect(ctx, post("m2", "c2", "hello"))
	assert.Equal(t, 2, v.RepeatCount)

	v, _ = h.module.Inspect(ctx, post("m3", "c3", "something else"))
	assert.Equal(t, 1, v.RepeatCount)

	withFile := post("m4", "c4", "something else")
	withFile.HasAttachments = true
	v, _ = h.module.Inspect(ctx, withFile)
	assert.Equal(t, 1, v.RepeatCount)
}

func TestGuaranteedLinkAlertsOnFirstMessage(t *testing.T) {
	h := newHarness(t, 10)

	v, err := h.module.Inspect(context.Background(), post("m1", "c1", "claim https://steam-gift.ru/x"))
	require.NoError(t, err)
	assert.True(t, v.Alerted(alerts.KindGuaranteed))
	require.Len(t, h.queue.alerts, 1)
	assert.Equal(t, "steam-gift.ru", h.queue.alerts[0].Domain)

	g := h.cache.GetOrCreate("g1")
	g.Lock()
	assert.Equal(t, 1, g.Raid["spammer"].LinkHits)
	g.Unlock()

	inf, err := h.store.GetInfraction(context.Background(), "g1", "spammer", storage.CategoryPhishing)
	require.NoError(t, err)
	assert.Equal(t, 1, inf.CountTotal)

	logs, err := h.store.ListAuditLogs(context.Background(), "g1", time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.LevelCrit, logs[0].Level)
	assert.Equal(t, audit.EventPhishingAlert, logs[0].Event)
}

func TestGuaranteedLinkAfterDottedWord(t *testing.T) {
	h := newHarness(t, 10)

	v, err := h.module.Inspect(context.Background(), post("m1", "c1", "check node.js https://steam-gift.ru/claim"))
	require.NoError(t, err)
	assert.True(t, v.Alerted(alerts.KindGuaranteed))
	assert.Equal(t, "steam-gift.ru", v.Link.Domain)
}

func TestGuaranteedLinkStillAlertsWhenSpreadFires(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	var last Verdict
	for i := 1; i <= 6; i++ {
		v, err := h.module.Inspect(ctx, post(fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i), "claim https://steam-gift.ru/x"))
		require.NoError(t, err)
		last = v
	}

	assert.True(t, last.Alerted(alerts.KindMessageViolation))
	assert.True(t, last.Alerted(alerts.KindGuaranteed))
	assert.Equal(t, "steam-gift.ru", last.Link.Domain)
	// One phishing alert per post plus the raid alert on the sixth.
	require.Len(t, h.queue.alerts, 7)

	g := h.cache.GetOrCreate("g1")
	g.Lock()
	assert.NotContains(t, g.Raid, "spammer")
	g.Unlock()
}

func TestRepeatsInFewChannelsStayBounded(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	var last Verdict
	for i := 0; i < 50; i++ {
		v, err := h.module.Inspect(ctx, post(fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i%2), "same again"))
		require.NoError(t, err)
		last = v
	}
	assert.Equal(t, 50, last.RepeatCount)
	assert.Empty(t, h.queue.alerts)

	g := h.cache.GetOrCreate("g1")
	g.Lock()
	defer g.Unlock()
	rec := g.Raid["spammer"]
	require.Len(t, rec.Messages, 2)
	latest, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, "m49", latest.ID)
}

func TestSweepRacesWithInspect(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	sweeper := cache.NewSweeper(h.cache, time.Second, time.Minute, zap.NewNop())
	later := time.Unix(1_700_000_000, 0).Add(time.Hour)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				msg := post(fmt.Sprintf("m%d-%d", w, i), "c1", "hello")
				msg.AuthorID = fmt.Sprintf("member-%d", w)
				_, err := h.module.Inspect(ctx, msg)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			sweeper.Sweep(later)
		}
	}()
	wg.Wait()

	sweeper.Sweep(later)
	g := h.cache.GetOrCreate("g1")
	g.Lock()
	defer g.Unlock()
	assert.Empty(t, g.Raid)
}

func TestBaitLinkIsLoggedNotAlerted(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	v, err := h.module.Inspect(ctx, post("m1", "c1", "free nitro at Nitro-Drop.example/claim?utm_source=dm&code=7#top"))
	require.NoError(t, err)
	assert.Equal(t, antiphishing.KindBait, v.Link.Kind)
	assert.Empty(t, h.queue.alerts)

	links, err := h.store.ListSuspiciousLinks(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://nitro-drop.example/claim?code=7", links[0].URL)
}

func TestUnconfiguredGuildIsSkipped(t *testing.T) {
	h := newHarness(t, 10)
	msg := post("m1", "c1", "https://steam-gift.ru")
	msg.GuildID = "g2"

	v, err := h.module.Inspect(context.Background(), msg)
	require.NoError(t, err)
	assert.Empty(t, v.Alerts)
	assert.Zero(t, h.cache.GetOrCreate("g2").Raid["spammer"])
}

func TestQueueFullIsReported(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.err = alerts.ErrQueueFull

	_, err := h.module.Inspect(context.Background(), post("m1", "c1", "https://steam-gift.ru"))
	assert.ErrorIs(t, err, alerts.ErrQueueFull)
}

func TestConfigurePersists(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.module.Configure(ctx, "g1", func(mod *cache.Moderation) { mod.Prefix = "!" })
	require.NoError(t, err)

	cfg, ok, err := h.store.GetModerationConfig(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.ModerationConfig{GuildID: "g1", LoggingChannelID: "mod-log", AlertRoleID: "mods", Prefix: "!"}, cfg)
}
