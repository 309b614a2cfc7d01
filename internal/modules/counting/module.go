// Package counting runs the per-guild counting game: members post the next
// integer in turn, and anything else is removed.
package counting

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"countwarden/internal/cache"
	"countwarden/internal/modules/audit"
	"countwarden/internal/modules/ratelimit"
	"countwarden/internal/platform"
	"countwarden/internal/storage"

	"go.uber.org/zap"
)

// HistoryScanLimit is how many recent channel messages SeedFromHistory looks at.
const HistoryScanLimit = 10

var ErrNotConfigured = errors.New("counting: no counting channel configured")

type Action int

const (
	ActionNoop Action = iota
	ActionDelete
	ActionAdvance
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionAdvance:
		return "advance"
	default:
		return "noop"
	}
}

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNotANumber  Reason = "not_a_number"
	ReasonSameAuthor  Reason = "same_author"
	ReasonWrongNumber Reason = "wrong_number"
)

// Violation reports whether the rejection counts against the author.
func (r Reason) Violation() bool {
	return r == ReasonSameAuthor || r == ReasonWrongNumber
}

type Decision struct {
	Action   Action
	Reason   Reason
	Count    int64
	Expected int64
}

type Store interface {
	AdvanceCount(ctx context.Context, rec storage.CountRecord) error
	SetCountChannel(ctx context.Context, guildID, channelID string) error
	SetCount(ctx context.Context, guildID string, count int64) error
}

type Violations interface {
	RecordViolation(ctx context.Context, guildID, memberID string) (ratelimit.Result, error)
}

type Module struct {
	cache      *cache.Cache
	store      Store
	deleter    platform.MessageDeleter
	history    platform.HistoryReader
	violations Violations
	audit      *audit.Logger
	logger     *zap.Logger
}

func New(c *cache.Cache, store Store, deleter platform.MessageDeleter, history platform.HistoryReader, violations Violations, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{
		cache:      c,
		store:      store,
		deleter:    deleter,
		history:    history,
		violations: violations,
		audit:      auditLogger,
		logger:     logger.Named("counting"),
	}
}

// Evaluate decides what happens to msg. A valid move is persisted and
// applied to the cache inside the guild's critical section, so of two
// concurrent submissions of the same number only one can advance.
func (m *Module) Evaluate(ctx context.Context, msg platform.Message) (Decision, error) {
	if msg.AuthorIsBot || msg.GuildID == "" {
		return Decision{}, nil
	}

	g, err := m.cache.Load(ctx, msg.GuildID)
	if err != nil {
		return Decision{}, err
	}

	g.Lock()
	defer g.Unlock()

	state, ok := g.Count()
	if !ok || state.ChannelID == "" || state.ChannelID != msg.ChannelID {
		return Decision{}, nil
	}

	expected := state.Count + 1
	n, valid := ParseCount(msg.Content)
	if !valid {
		return Decision{Action: ActionDelete, Reason: ReasonNotANumber, Expected: expected}, nil
	}
	if msg.AuthorID == state.LastAuthorID {
		return Decision{Action: ActionDelete, Reason: ReasonSameAuthor, Count: n, Expected: expected}, nil
	}
	if n != expected {
		return Decision{Action: ActionDelete, Reason: ReasonWrongNumber, Count: n, Expected: expected}, nil
	}

	rec := storage.CountRecord{
		GuildID:   msg.GuildID,
		ChannelID: state.ChannelID,
		Count:     n,
		AuthorID:  msg.AuthorID,
		MessageID: msg.ID,
	}
	if err := m.store.AdvanceCount(ctx, rec); err != nil {
		return Decision{}, fmt.Errorf("persist count %d: %w", n, err)
	}
	g.SetCount(cache.CountState{
		ChannelID:     state.ChannelID,
		Count:         n,
		LastAuthorID:  msg.AuthorID,
		LastMessageID: msg.ID,
	})
	return Decision{Action: ActionAdvance, Count: n, Expected: expected}, nil
}

// HandleMessage evaluates msg and carries out the decision: rejected posts are
// deleted and rule breaks are forwarded to escalation.
func (m *Module) HandleMessage(ctx context.Context, msg platform.Message) (Decision, error) {
	decision, err := m.Evaluate(ctx, msg)
	if err != nil || decision.Action != ActionDelete {
		return decision, err
	}

	var errs []error
	if err := m.deleter.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		m.logger.Warn("delete counting message failed",
			zap.String("guild_id", msg.GuildID),
			zap.String("channel_id", msg.ChannelID),
			zap.String("user_id", msg.AuthorID),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("delete message %s: %w", msg.ID, err))
	}
	if decision.Reason.Violation() && m.violations != nil {
		if _, err := m.violations.RecordViolation(ctx, msg.GuildID, msg.AuthorID); err != nil {
			errs = append(errs, err)
		}
	}
	return decision, errors.Join(errs...)
}

// SetChannel moves the game to channelID, keeping any existing count.
func (m *Module) SetChannel(ctx context.Context, guildID, channelID string) error {
	g, err := m.cache.Load(ctx, guildID)
	if err != nil {
		return err
	}

	g.Lock()
	defer g.Unlock()
	if err := m.store.SetCountChannel(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("set counting channel: %w", err)
	}
	state, _ := g.Count()
	state.ChannelID = channelID
	g.SetCount(state)
	return nil
}

// SetCount overrides the current number. The last author is forgotten so
// anyone may continue.
func (m *Module) SetCount(ctx context.Context, guildID string, count int64) error {
	if count < 0 {
		return fmt.Errorf("counting: negative count %d", count)
	}
	g, err := m.cache.Load(ctx, guildID)
	if err != nil {
		return err
	}

	g.Lock()
	defer g.Unlock()
	state, ok := g.Count()
	if !ok || state.ChannelID == "" {
		return ErrNotConfigured
	}
	if err := m.store.SetCount(ctx, guildID, count); err != nil {
		return fmt.Errorf("set count: %w", err)
	}
	g.SetCount(cache.CountState{ChannelID: state.ChannelID, Count: count})
	return nil
}

// SeedFromHistory picks up an in-progress game by taking the most recent
// all-digit message among the channel's last HistoryScanLimit messages.
func (m *Module) SeedFromHistory(ctx context.Context, guildID string) (int64, bool, error) {
	state, ok, err := m.State(ctx, guildID)
	if err != nil {
		return 0, false, err
	}
	if !ok || state.ChannelID == "" {
		return 0, false, ErrNotConfigured
	}

	messages, err := m.history.RecentMessages(ctx, state.ChannelID, HistoryScanLimit)
	if err != nil {
		return 0, false, fmt.Errorf("read channel history: %w", err)
	}

	var latest *platform.Message
	for i := range messages {
		if _, valid := ParseCount(messages[i].Content); !valid {
			continue
		}
		if latest == nil || messages[i].CreatedAt.After(latest.CreatedAt) {
			latest = &messages[i]
		}
	}
	if latest == nil {
		return 0, false, nil
	}

	n, _ := ParseCount(latest.Content)
	if err := m.SetCount(ctx, guildID, n); err != nil {
		return 0, false, err
	}
	m.audit.Log(ctx, audit.LevelInfo, guildID, latest.AuthorID, audit.EventCountingReseeded, fmt.Sprintf("count=%d message=%s", n, latest.ID))
	return n, true, nil
}

func (m *Module) State(ctx context.Context, guildID string) (cache.CountState, bool, error) {
	g, err := m.cache.Load(ctx, guildID)
	if err != nil {
		return cache.CountState{}, false, err
	}
	g.Lock()
	defer g.Unlock()
	state, ok := g.Count()
	return state, ok, nil
}

// ParseCount accepts a non-empty run of ASCII digits. Leading zeros are
// allowed; values that do not fit in int64 are rejected.
func ParseCount(content string) (int64, bool) {
	if content == "" {
		return 0, false
	}
	for i := 0; i < len(content); i++ {
		if content[i] < '0' || content[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(content, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
