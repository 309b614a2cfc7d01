package analytics

import (
	"context"
	"sort"
	"time"

	"countwarden/internal/storage"
)

type Store interface {
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]storage.AuditLog, error)
	ListSuspiciousLinks(ctx context.Context, guildID string, limit int) ([]storage.SuspiciousLink, error)
	GetInfraction(ctx context.Context, guildID, userID, category string) (storage.UserInfraction, error)
}

var infractionCategories = []string{storage.CategoryCounting, storage.CategoryRaid, storage.CategoryPhishing}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

type Report struct {
	Since     time.Time
	Total     int
	ByLevel   map[string]int
	ByEvent   map[string]int
	TopUsers  []UserCount
	BaitLinks int
}

type UserCount struct {
	UserID      string
	Count       int
	Infractions int
}

// Report summarises the guild's audit trail since the given time. TopUsers
// lists at most five members with the most entries, each with their running
// infraction tally across all categories.
func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByLevel: make(map[string]int), ByEvent: make(map[string]int)}
	perUser := make(map[string]int)
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
		if log.UserID != "" {
			perUser[log.UserID]++
		}
	}

	for user, count := range perUser {
		report.TopUsers = append(report.TopUsers, UserCount{UserID: user, Count: count})
	}
	sort.Slice(report.TopUsers, func(i, j int) bool {
		if report.TopUsers[i].Count != report.TopUsers[j].Count {
			return report.TopUsers[i].Count > report.TopUsers[j].Count
		}
		return report.TopUsers[i].UserID < report.TopUsers[j].UserID
	})
	if len(report.TopUsers) > 5 {
		report.TopUsers = report.TopUsers[:5]
	}
	for i := range report.TopUsers {
		for _, category := range infractionCategories {
			inf, err := s.store.GetInfraction(ctx, guildID, report.TopUsers[i].UserID, category)
			if err != nil {
				return Report{}, err
			}
			report.TopUsers[i].Infractions += inf.CountTotal
		}
	}

	links, err := s.store.ListSuspiciousLinks(ctx, guildID, 500)
	if err != nil {
		return Report{}, err
	}
	for _, link := range links {
		if !link.CreatedAt.Before(since) {
			report.BaitLinks++
		}
	}
	return report, nil
}
