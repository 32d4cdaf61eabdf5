// Package worker exposes the long-running shard operations as Temporal
// workflows and activities.
package worker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/Sendhub/sh-util/pkg/db"
	"github.com/Sendhub/sh-util/pkg/settings"
	"github.com/Sendhub/sh-util/pkg/sharding"
)

// Flusher invalidates the shared cache fleet. *cache.Flusher satisfies
// it.
type Flusher interface {
	AttemptFlush()
}

// Mailer sends failure notifications. *mail.Sender satisfies it.
type Mailer interface {
	Send(ctx context.Context, subject, body, from, to string) error
}

// Activities holds the collaborators the shard operations run against.
type Activities struct {
	db      *db.DB
	cfg     *settings.Settings
	shards  *sharding.Resource
	flusher Flusher
	mailer  Mailer
}

// NewActivities wires the activity set. flusher and mailer may be nil;
// the affected steps degrade to logging.
func NewActivities(database *db.DB, cfg *settings.Settings, flusher Flusher, mailer Mailer) *Activities {
	return &Activities{
		db:      database,
		cfg:     cfg,
		shards:  sharding.NewResource(cfg),
		flusher: flusher,
		mailer:  mailer,
	}
}

// ReplicateStaticTablesInput selects which tables and destinations a
// sync pass covers. Empty means everything.
type ReplicateStaticTablesInput struct {
	Tables []string `json:"tables,omitempty"`
	Shards []string `json:"shards,omitempty"`
}

// ReplicateStaticTablesResult reports what a sync pass touched.
type ReplicateStaticTablesResult struct {
	Replicated []string `json:"replicated"`
}

// ReplicateStaticTables copies every (static table, shard) pair from
// the primary connection out to the shards. Tables already in sync are
// skipped by ReplicateTable itself.
func (a *Activities) ReplicateStaticTables(ctx context.Context, input ReplicateStaticTablesInput) (*ReplicateStaticTablesResult, error) {
	tables := input.Tables
	if len(tables) == 0 {
		tables = a.cfg.StaticTables
	}
	shards := input.Shards
	if len(shards) == 0 {
		shards = a.shards.AllShardConnectionNames()
	}

	source := a.cfg.PrimaryShardConnection
	result := &ReplicateStaticTablesResult{}
	for _, table := range tables {
		for _, shard := range shards {
			if shard == source {
				continue
			}
			log.Printf("[worker] replicating static table %s from %s to %s", table, source, shard)
			if err := a.db.ReplicateTable(ctx, table, source, shard); err != nil {
				return nil, fmt.Errorf("failed to replicate %s to %s: %w", table, shard, err)
			}
			result.Replicated = append(result.Replicated, table+"->"+shard)
		}
	}
	return result, nil
}

// MigrateLogicalShardInput names one logical shard move.
type MigrateLogicalShardInput struct {
	LogicalShardID   int64  `json:"logicalShardId"`
	DestinationShard string `json:"destinationShard"`
}

// MigrateLogicalShard relocates one logical shard to the destination
// physical shard.
func (a *Activities) MigrateLogicalShard(ctx context.Context, input MigrateLogicalShardInput) error {
	destination := sharding.CoerceIDToShardName(input.DestinationShard)
	log.Printf("[worker] migrating logical shard %d to %s", input.LogicalShardID, destination)
	return a.db.MigrateLogicalShard(ctx, input.LogicalShardID, destination)
}

// FlushMemcache invalidates the shared cache fleet. Never fails; a
// stale cache heals on its own expiry.
func (a *Activities) FlushMemcache(ctx context.Context) error {
	if a.flusher == nil {
		log.Printf("[worker] no cache flusher configured, skipping flush")
		return nil
	}
	a.flusher.AttemptFlush()
	return nil
}

// NotifyFailureInput carries what a failure notification reports.
type NotifyFailureInput struct {
	Workflow string `json:"workflow"`
	Detail   string `json:"detail"`
	Error    string `json:"error"`
}

// NotifyFailure emails the operations list about a permanently failed
// workflow.
func (a *Activities) NotifyFailure(ctx context.Context, input NotifyFailureInput) error {
	subject := FailureSubject(input.Workflow)
	body := fmt.Sprintf("Workflow failure:\n%s\n\nworkflow: %s\ndetail: %s\nerror: %s\n",
		strings.Repeat("-", 60), input.Workflow, input.Detail, input.Error)
	log.Printf("[worker] %s", body)
	if a.mailer == nil {
		return nil
	}
	return a.mailer.Send(ctx, subject, body, a.cfg.SMTP.From, a.cfg.SMTP.To)
}

// FailureSubject renders the subject line for a failed workflow.
func FailureSubject(workflow string) string {
	if workflow == "" {
		workflow = "unknown workflow"
	}
	return fmt.Sprintf("[sh-util] [ERROR] %s failed", workflow)
}
