package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/logging"
)

// notifyChannel is the Postgres channel every ledger mutation notifies on.
// Payloads are "<kind>:<user id>".
const notifyChannel = "ledger_changes"

type changeKind string

const (
	changeUser         changeKind = "user"
	changeTransactions changeKind = "transactions"
)

// fanout routes change signals to live subscriptions. Each subscription owns
// a goroutine and a one-slot signal channel, so bursts of changes coalesce
// into a single refresh of the full state.
type fanout struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscription
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	id      uint64
	userID  uuid.UUID
	kind    changeKind
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	cleanup func(uint64)
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cleanup(s.id)
	})
}

// add registers a subscription and starts its refresh loop. refresh runs once
// right away for the initial state, then once per coalesced change until the
// subscription is closed or ctx ends. Registering before the first refresh
// means no change can fall between the two.
func (f *fanout) add(ctx context.Context, userID uuid.UUID, kind changeKind, refresh func(context.Context)) *subscription {
	f.mu.Lock()
	f.next++
	sub := &subscription{
		id:      f.next,
		userID:  userID,
		kind:    kind,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		cleanup: f.remove,
	}
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go func() {
		refresh(ctx)
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				sub.Close()
				return
			case <-sub.signal:
				refresh(ctx)
			}
		}
	}()
	return sub
}

func (f *fanout) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

func (f *fanout) publish(userID uuid.UUID, kind changeKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.userID != userID || sub.kind != kind {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// publishAll wakes every subscription. Used after the listener reconnects,
// since notifications sent while it was down are lost.
func (f *fanout) publishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func parseNotification(payload string) (changeKind, uuid.UUID, bool) {
	kind, rawID, ok := strings.Cut(payload, ":")
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.Nil, false
	}
	switch changeKind(kind) {
	case changeUser, changeTransactions:
		return changeKind(kind), id, true
	default:
		return "", uuid.Nil, false
	}
}

// ChangeFeed holds a dedicated connection listening on the ledger channel and
// forwards notifications to the repository's subscriptions.
type ChangeFeed struct {
	pool      *pgxpool.Pool
	fanout    *fanout
	logger    *logrus.Entry
	reconnect time.Duration
}

// Run blocks until ctx is cancelled, reconnecting after connection failures.
func (c *ChangeFeed) Run(ctx context.Context) error {
	first := true
	for {
		if !first {
			c.fanout.publishAll()
		}
		first = false

		err := c.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).Warn("ledger change feed disconnected; reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnect):
		}
	}
}

func (c *ChangeFeed) listen(ctx context.Context) error {
	pooled, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A listening connection must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	c.logger.Info("listening for ledger changes")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		kind, userID, ok := parseNotification(notification.Payload)
		if !ok {
			c.logger.WithField("payload", notification.Payload).Warn("ignoring malformed ledger notification")
			continue
		}
		c.fanout.publish(userID, kind)
	}
}

func newChangeFeed(pool *pgxpool.Pool, f *fanout, logger *logrus.Entry) *ChangeFeed {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ChangeFeed{
		pool:      pool,
		fanout:    f,
		logger:    logger.WithField("component", "change_feed"),
		reconnect: 2 * time.Second,
	}
}
