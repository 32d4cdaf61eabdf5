package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/Sendhub/sh-util/pkg/jsonutil"
	"github.com/Sendhub/sh-util/pkg/settings"
)

// EventChannel is the pg_notify channel shard events are published on.
const EventChannel = "shard_events"

// Execer executes a statement on a named connection. *db.DB satisfies it.
type Execer interface {
	Exec(ctx context.Context, using, sql string, args ...any) (int64, error)
}

// Event publishes shard topology changes to interested subscribers
// through Postgres NOTIFY on the primary connection.
type Event struct {
	exec Execer
	cfg  *settings.Settings
}

// NewEvent returns a publisher bound to the given connection pool.
func NewEvent(exec Execer, cfg *settings.Settings) *Event {
	return &Event{exec: exec, cfg: cfg}
}

// Publish emits one event with a millisecond-timestamped JSON envelope.
func (e *Event) Publish(ctx context.Context, event string, payload map[string]any) error {
	envelope := map[string]any{
		"event":   event,
		"ts":      jsonutil.Time(time.Now()),
		"payload": payload,
	}
	data, err := jsonutil.Encode(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	_, err = e.exec.Exec(ctx, e.cfg.PrimaryShardConnection,
		`SELECT pg_notify($1, $2)`, EventChannel, string(data))
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event, err)
	}
	return nil
}
