// Package notifylisten is an optional fast-path: a LISTEN/NOTIFY
// subscription that wakes the worker's poll loop early instead of
// waiting out the full poll interval. Payload content is ignored —
// NOTIFY only means "something changed, look again" — so a reconnect
// or a dropped notification never loses information the regular poll
// wouldn't eventually pick up.
package notifylisten

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	reconnectMinInterval = 2 * time.Second
	reconnectMaxInterval = 30 * time.Second
)

// Wake is consumed by the worker to shorten its poll interval
// opportunistically; it is never the only way an event gets processed.
type Wake <-chan struct{}

// Listener holds a dedicated connection (LISTEN is connection-scoped,
// so it cannot share the worker's pool) and forwards notifications on
// Channel as wake-ups.
type Listener struct {
	connString string
	channel    string
	wake       chan struct{}
}

// New builds a Listener against channel on the given connection string.
// connString must be a plain connection string, not a pool — LISTEN
// state lives on a single backend connection.
func New(connString, channel string) *Listener {
	return &Listener{
		connString: connString,
		channel:    channel,
		wake:       make(chan struct{}, 1),
	}
}

// Wake returns the channel the worker selects on; sends are non-blocking
// and coalesce, since only "wake up" matters, not how many times.
func (l *Listener) Wake() Wake {
	return l.wake
}

// Run connects, issues LISTEN, and forwards notifications until ctx is
// cancelled, reconnecting with backoff on any connection error.
func (l *Listener) Run(ctx context.Context) {
	backoff := reconnectMinInterval
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[notifylisten] connection lost: %v; reconnecting in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectMaxInterval {
				backoff = reconnectMaxInterval
			}
			continue
		}
		backoff = reconnectMinInterval
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	log.Printf("[notifylisten] listening on %q", l.channel)

	for {
		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case l.wake <- struct{}{}:
		default:
			// A wake-up is already pending; the poll loop hasn't
			// consumed it yet, so this notification is redundant.
		}
	}
}
