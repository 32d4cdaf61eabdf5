// Package main runs the shard-operations Temporal worker.
package main

import (
	"log"
	"os"

	"go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"

	"github.com/Sendhub/sh-util/internal/worker"
	"github.com/Sendhub/sh-util/pkg/cache"
	"github.com/Sendhub/sh-util/pkg/db"
	"github.com/Sendhub/sh-util/pkg/mail"
	"github.com/Sendhub/sh-util/pkg/settings"
	"github.com/Sendhub/sh-util/pkg/sharding"
	"github.com/Sendhub/sh-util/pkg/storage"
)

const (
	defaultTemporalAddr = "127.0.0.1:7233"
	defaultNamespace    = "default"
)

func main() {
	temporalAddr := getEnv("TEMPORAL_ADDRESS", defaultTemporalAddr)
	namespace := getEnv("TEMPORAL_NAMESPACE", defaultNamespace)
	taskQueue := getEnv("SH_UTIL_TASK_QUEUE", worker.TaskQueue)

	cfg, err := settings.Load()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	database, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open databases: %v", err)
	}
	defer database.Close()

	mailer := mail.NewSender(cfg.SMTP)
	database.SetMailer(mailer)
	database.SetEventPublisher(sharding.NewEvent(database, cfg))

	var flusher *cache.Flusher
	if len(cfg.MemcacheServers) > 0 {
		flusher = cache.NewFlusher(cfg)
		database.SetCacheFlusher(flusher)
	}

	if cfg.AWSStorageBucketName != "" {
		store, err := storage.NewClientFromSettings(cfg)
		if err != nil {
			log.Fatalf("Failed to create storage client: %v", err)
		}
		database.SetBackupStore(store)
	}

	log.Printf("Starting shard-ops worker: address=%s namespace=%s queue=%s",
		temporalAddr, namespace, taskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  temporalAddr,
		Namespace: namespace,
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	w := temporalworker.New(c, taskQueue, temporalworker.Options{})

	var actFlusher worker.Flusher
	if flusher != nil {
		actFlusher = flusher
	}
	acts := worker.NewActivities(database, cfg, actFlusher, mailer)
	w.RegisterActivity(acts.ReplicateStaticTables)
	w.RegisterActivity(acts.MigrateLogicalShard)
	w.RegisterActivity(acts.FlushMemcache)
	w.RegisterActivity(acts.NotifyFailure)

	w.RegisterWorkflow(worker.StaticTableSyncWorkflowFunc)
	w.RegisterWorkflow(worker.LogicalShardMigrationWorkflowFunc)

	log.Printf("Registered 4 activities and 2 workflows")

	if err := w.Run(temporalworker.InterruptCh()); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
