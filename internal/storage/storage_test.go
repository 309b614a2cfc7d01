package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSchemaCreatedOnDemand(t *testing.T) {
	store, err := New(DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SetCountChannel(ctx, "g1", "c1"); err != nil {
		t.Fatalf("set channel without migration: %v", err)
	}
	rec, ok, err := store.GetCountRecord(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("get count record: ok=%v err=%v", ok, err)
	}
	if rec.ChannelID != "c1" || rec.Count != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCountLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetCountRecord(ctx, "g1"); err != nil || ok {
		t.Fatalf("expected no record, ok=%v err=%v", ok, err)
	}
	if err := store.SetCount(ctx, "g1", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetCountChannel(ctx, "g1", "c1"); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	if err := store.AdvanceCount(ctx, CountRecord{GuildID: "g1", ChannelID: "c1", Count: 1, AuthorID: "u1", MessageID: "m1"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.SetCountChannel(ctx, "g1", "c2"); err != nil {
		t.Fatalf("move channel: %v", err)
	}

	rec, _, err := store.GetCountRecord(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ChannelID != "c2" || rec.Count != 1 || rec.AuthorID != "u1" {
		t.Fatalf("unexpected record after move %+v", rec)
	}

	if err := store.SetCount(ctx, "g1", 40); err != nil {
		t.Fatalf("set count: %v", err)
	}
	rec, _, _ = store.GetCountRecord(ctx, "g1")
	if rec.Count != 40 || rec.AuthorID != "" {
		t.Fatalf("expected count 40 with cleared author, got %+v", rec)
	}

	all, err := store.ListCountRecords(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list records: %v (%d)", err, len(all))
	}
}

func TestModerationConfigUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := ModerationConfig{GuildID: "g1", LoggingChannelID: "c1", AlertRoleID: "r1", Prefix: "$"}
	if err := store.UpsertModerationConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cfg.LoggingChannelID = "c2"
	if err := store.UpsertModerationConfig(ctx, cfg); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, ok, err := store.GetModerationConfig(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.LoggingChannelID != "c2" || got.AlertRoleID != "r1" {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestLevelRankOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []LevelRecord{
		{GuildID: "g1", MemberID: "900", TotalExp: 50, Level: 1},
		{GuildID: "g1", MemberID: "1000", TotalExp: 50, Level: 1},
		{GuildID: "g1", MemberID: "42", TotalExp: 300, Level: 3},
		{GuildID: "g2", MemberID: "7", TotalExp: 9999, Level: 9},
	}
	for _, rec := range records {
		if err := store.UpsertLevel(ctx, rec); err != nil {
			t.Fatalf("upsert level: %v", err)
		}
	}

	cases := map[string]int{"42": 1, "1000": 2, "900": 3}
	for member, want := range cases {
		rank, ok, err := store.LevelRank(ctx, "g1", member)
		if err != nil || !ok {
			t.Fatalf("rank %s: ok=%v err=%v", member, ok, err)
		}
		if rank != want {
			t.Fatalf("member %s: expected rank %d, got %d", member, want, rank)
		}
	}

	if _, ok, err := store.LevelRank(ctx, "g1", "unknown"); err != nil || ok {
		t.Fatalf("expected unknown member to be unranked, ok=%v err=%v", ok, err)
	}
}

func TestSuspiciousLinksAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		link := SuspiciousLink{GuildID: "g1", UserID: "u1", ChannelID: "c1", URL: "nitro.example", Content: "free nitro", CreatedAt: now}
		if err := store.AddSuspiciousLink(ctx, link); err != nil {
			t.Fatalf("add link: %v", err)
		}
	}
	links, err := store.ListSuspiciousLinks(ctx, "g1", 10)
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(links))
	}
}

func TestAuditLogRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := AuditLog{GuildID: "g1", Level: "INFO", Event: "old", CreatedAt: time.Now().AddDate(0, 0, -30)}
	fresh := AuditLog{GuildID: "g1", Level: "HIGH", Event: "fresh", CreatedAt: time.Now()}
	for _, log := range []AuditLog{old, fresh} {
		if err := store.AddAuditLog(ctx, log); err != nil {
			t.Fatalf("add audit log: %v", err)
		}
	}
	if err := store.CleanupAuditLogs(ctx, 14); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	logs, err := store.ListAuditLogs(ctx, "g1", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "fresh" {
		t.Fatalf("expected only the fresh log, got %+v", logs)
	}
}

func TestIncrementInfractionForgives(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	n, err := store.IncrementInfraction(ctx, "g1", "u1", CategoryCounting, "timeout", start, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("first increment: n=%d err=%v", n, err)
	}
	n, _ = store.IncrementInfraction(ctx, "g1", "u1", CategoryCounting, "timeout", start.Add(time.Minute), time.Hour)
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	n, _ = store.IncrementInfraction(ctx, "g1", "u1", CategoryCounting, "timeout", start.Add(3*time.Hour), time.Hour)
	if n != 1 {
		t.Fatalf("expected forgiven tally to restart at 1, got %d", n)
	}

	inf, err := store.GetInfraction(ctx, "g1", "u1", CategoryCounting)
	if err != nil {
		t.Fatalf("get infraction: %v", err)
	}
	if inf.LastAction != "timeout" || inf.ResetAt == nil {
		t.Fatalf("unexpected infraction %+v", inf)
	}
}

func TestRebindPostgres(t *testing.T) {
	store := &Store{dialect: DialectPostgres}
	got := store.rebind("SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("unexpected rebind %q", got)
	}
}
