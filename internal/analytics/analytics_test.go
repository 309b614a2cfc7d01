package analytics

import (
	"context"
	"testing"
	"time"

	"countwarden/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport(t *testing.T) {
	store, err := storage.New(storage.DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	now := time.Now()
	entries := []storage.AuditLog{
		{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "raid_alert", CreatedAt: now},
		{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "counting_timeout", CreatedAt: now},
		{GuildID: "g1", UserID: "u2", Level: "INFO", Event: "bait_link", CreatedAt: now},
		{GuildID: "g1", UserID: "u3", Level: "WARN", Event: "raid_alert", CreatedAt: now.Add(-48 * time.Hour)},
		{GuildID: "g2", UserID: "u1", Level: "CRIT", Event: "raid_alert", CreatedAt: now},
	}
	for _, e := range entries {
		require.NoError(t, store.AddAuditLog(ctx, e))
	}
	require.NoError(t, store.AddSuspiciousLink(ctx, storage.SuspiciousLink{GuildID: "g1", UserID: "u2", URL: "x.example", CreatedAt: now}))
	require.NoError(t, store.AddSuspiciousLink(ctx, storage.SuspiciousLink{GuildID: "g1", UserID: "u2", URL: "y.example", CreatedAt: now.Add(-72 * time.Hour)}))

	_, err = store.IncrementInfraction(ctx, "g1", "u1", storage.CategoryRaid, "raid_alert", now, 0)
	require.NoError(t, err)
	_, err = store.IncrementInfraction(ctx, "g1", "u1", storage.CategoryCounting, "timeout", now, 0)
	require.NoError(t, err)
	_, err = store.IncrementInfraction(ctx, "g2", "u2", storage.CategoryRaid, "raid_alert", now, 0)
	require.NoError(t, err)

	report, err := New(store).Report(ctx, "g1", now.Add(-24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.ByLevel["WARN"])
	assert.Equal(t, 1, report.ByEvent["raid_alert"])
	assert.Equal(t, []UserCount{{UserID: "u1", Count: 2, Infractions: 2}, {UserID: "u2", Count: 1}}, report.TopUsers)
	assert.Equal(t, 1, report.BaitLinks)
}
