package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Watcher consumes extension-change notifications from PostgreSQL
// LISTEN/NOTIFY and surfaces them as a channel of [ChangeEvent]. It holds a
// dedicated connection (notifications cannot share a pooled one) and
// reconnects with backoff when the connection drops; listeners that were
// running keep running while notifications are paused.
type Watcher struct {
	dsn     string
	channel string
	events  chan ChangeEvent
}

// NewWatcher creates a watcher for the given LISTEN channel. Call
// [Watcher.Run] on a long-lived goroutine to start delivery.
func NewWatcher(dsn, channel string) *Watcher {
	if channel == "" {
		channel = "extensions_changed"
	}
	return &Watcher{
		dsn:     dsn,
		channel: channel,
		events:  make(chan ChangeEvent, 16),
	}
}

// Events returns the change stream. The channel is closed when Run returns.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Run listens for notifications until ctx is cancelled. Connection failures
// are retried with capped backoff.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		err := w.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("directory watcher: connection lost, retrying",
			"channel", w.channel, "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// listen opens a dedicated connection, LISTENs, and delivers notifications
// until an error occurs.
func (w *Watcher) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{w.channel}.Sanitize()); err != nil {
		return err
	}
	slog.Info("directory watcher listening", "channel", w.channel)

	for {
		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var ev ChangeEvent
		if err := json.Unmarshal([]byte(note.Payload), &ev); err != nil {
			slog.Warn("directory watcher: malformed notification payload",
				"payload", note.Payload, "err", err)
			continue
		}

		select {
		case w.events <- ev:
		case <-ctx.Done():
			return nil
		default:
			// A stalled consumer must not wedge the notification connection.
			slog.Warn("directory watcher: event dropped, consumer is behind",
				"action", ev.Action, "extension_id", ev.Data.ID)
		}
	}
}
