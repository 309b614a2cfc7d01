// Package alerts carries moderator alerts from the message path to a small
// pool of delivery workers.
package alerts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("alerts: queue full")
	ErrQueueClosed = errors.New("alerts: queue closed")
)

type Kind string

const (
	KindMessageViolation Kind = "MESSAGE_VIOLATION"
	KindGuaranteed       Kind = "GUARANTEED"
)

type Alert struct {
	ID               uuid.UUID
	Kind             Kind
	GuildID          string
	ChannelID        string
	MessageID        string
	MemberID         string
	Content          string
	URL              string
	Domain           string
	Spread           float64
	Repeats          int
	LoggingChannelID string
	AlertRoleID      string
	CreatedAt        time.Time
}

func New(kind Kind, guildID, memberID string, at time.Time) Alert {
	return Alert{
		ID:        uuid.New(),
		Kind:      kind,
		GuildID:   guildID,
		MemberID:  memberID,
		CreatedAt: at,
	}
}

type Deliverer interface {
	Deliver(ctx context.Context, alert Alert) error
}

type DelivererFunc func(ctx context.Context, alert Alert) error

func (f DelivererFunc) Deliver(ctx context.Context, alert Alert) error { return f(ctx, alert) }

type Stats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
}

// Queue is a bounded buffer drained by a fixed set of workers. Submit never
// blocks; Close stops intake and waits for buffered alerts to be delivered.
type Queue struct {
	jobs    chan Alert
	deliver Deliverer
	timeout time.Duration
	logger  *zap.Logger
	workers conc.WaitGroup

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewQueue(deliver Deliverer, size, workers int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		jobs:    make(chan Alert, size),
		deliver: deliver,
		timeout: 30 * time.Second,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		q.workers.Go(q.work)
	}
	return q
}

func (q *Queue) Submit(alert Alert) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- alert:
		return nil
	default:
		q.dropped.Add(1)
		q.logger.Warn("alert dropped",
			zap.String("alert_id", alert.ID.String()),
			zap.String("kind", string(alert.Kind)),
			zap.String("guild_id", alert.GuildID),
		)
		return ErrQueueFull
	}
}

func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.workers.Wait()
}

func (q *Queue) Stats() Stats {
	return Stats{
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

func (q *Queue) work() {
	for alert := range q.jobs {
		q.handle(alert)
	}
}

func (q *Queue) handle(alert Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = q.deliver.Deliver(ctx, alert)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
	}

	fields := []zap.Field{
		zap.String("alert_id", alert.ID.String()),
		zap.String("kind", string(alert.Kind)),
		zap.String("guild_id", alert.GuildID),
		zap.String("user_id", alert.MemberID),
	}
	if err != nil {
		q.failed.Add(1)
		q.logger.Error("alert delivery failed", append(fields, zap.Error(err))...)
		return
	}
	q.delivered.Add(1)
	q.logger.Debug("alert delivered", fields...)
}
