package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// InboundChannel is the NOTIFY channel raised when a message is enqueued.
const InboundChannel = "crowdcheck_inbound"

// Listener turns PostgreSQL notifications into consumer wakeups.
type Listener struct {
	listener *pq.Listener
	wake     chan struct{}
}

// NewListener opens a dedicated LISTEN connection on the given channel.
func NewListener(dsn, channel string) (*Listener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			slog.Warn("queue listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			slog.Info("queue listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			slog.Error("queue listener connection attempt failed", "error", err)
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	slog.Info("queue listener started", "channel", channel)
	return &Listener{
		listener: listener,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Wakeups returns the channel to pass to WithWakeup.
func (l *Listener) Wakeups() <-chan struct{} {
	return l.wake
}

// Run forwards notifications until ctx is cancelled. A nil notification
// means the connection was re-established and something may have been
// missed, so it also wakes the consumer.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.listener.Notify:
			if n != nil {
				slog.Debug("queue notification", "channel", n.Channel, "message_id", n.Extra)
			}
			select {
			case l.wake <- struct{}{}:
			default:
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.listener.Ping(); err != nil {
					slog.Warn("queue listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Close closes the LISTEN connection.
func (l *Listener) Close() error {
	return l.listener.Close()
}
