package worker

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Workflow and task-queue names.
const (
	TaskQueue = "sh-util-shard-ops"

	StaticTableSyncWorkflow       = "staticTableSyncWorkflow"
	LogicalShardMigrationWorkflow = "logicalShardMigrationWorkflow"
)

// defaultActivityOptions cover the short operations.
var defaultActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// migrationActivityOptions cover the shard migration itself. The
// operation runs its own resolver-driven retry loop internally, so
// Temporal must not re-run it on failure.
var migrationActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 6 * time.Hour,
	HeartbeatTimeout:    10 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 1,
	},
}

// notifyActivityOptions cover the failure email. Best effort, short.
var notifyActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// StaticTableSyncWorkflowFunc runs one static-table sync pass from the
// primary connection out to every shard.
func StaticTableSyncWorkflowFunc(ctx workflow.Context, input ReplicateStaticTablesInput) (*ReplicateStaticTablesResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("static table sync started")

	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)

	var a *Activities
	var result ReplicateStaticTablesResult
	err := workflow.ExecuteActivity(ctx, a.ReplicateStaticTables, input).Get(ctx, &result)
	if err != nil {
		notifyFailure(ctx, StaticTableSyncWorkflow,
			fmt.Sprintf("tables=%v shards=%v", input.Tables, input.Shards), err)
		return nil, err
	}

	logger.Info("static table sync finished", "replicated", len(result.Replicated))
	return &result, nil
}

// LogicalShardMigrationWorkflowFunc relocates one logical shard, then
// flushes the cache fleet so consumers pick up the new topology.
func LogicalShardMigrationWorkflowFunc(ctx workflow.Context, input MigrateLogicalShardInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("logical shard migration started",
		"logicalShardId", input.LogicalShardID, "destination", input.DestinationShard)

	var a *Activities

	migrateCtx := workflow.WithActivityOptions(ctx, migrationActivityOptions)
	err := workflow.ExecuteActivity(migrateCtx, a.MigrateLogicalShard, input).Get(migrateCtx, nil)
	if err != nil {
		notifyFailure(ctx, LogicalShardMigrationWorkflow,
			fmt.Sprintf("logicalShardId=%d destination=%s", input.LogicalShardID, input.DestinationShard), err)
		return err
	}

	flushCtx := workflow.WithActivityOptions(ctx, defaultActivityOptions)
	if err := workflow.ExecuteActivity(flushCtx, a.FlushMemcache).Get(flushCtx, nil); err != nil {
		// The migration itself landed; a failed flush only delays
		// consumers seeing it.
		logger.Warn("memcache flush failed after migration", "error", err)
	}

	logger.Info("logical shard migration finished", "logicalShardId", input.LogicalShardID)
	return nil
}

// notifyFailure fires the failure-email activity, best effort.
func notifyFailure(ctx workflow.Context, workflowName, detail string, cause error) {
	ctx = workflow.WithActivityOptions(ctx, notifyActivityOptions)
	var a *Activities
	input := NotifyFailureInput{Workflow: workflowName, Detail: detail, Error: cause.Error()}
	if err := workflow.ExecuteActivity(ctx, a.NotifyFailure, input).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("failed to send failure notification", "error", err)
	}
}
