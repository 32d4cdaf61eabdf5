// Package main is the operator CLI for the sharded-Postgres fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Sendhub/sh-util/pkg/cache"
	"github.com/Sendhub/sh-util/pkg/db"
	"github.com/Sendhub/sh-util/pkg/mail"
	"github.com/Sendhub/sh-util/pkg/settings"
	"github.com/Sendhub/sh-util/pkg/sharding"
	"github.com/Sendhub/sh-util/pkg/storage"
)

const usage = `usage: shardctl <command> [arguments]

Commands:
  migrate-schema                     apply schema migrations to every shard
  replicate <table> <src> <dst>      replicate one static table between shards
  migrate-shard <logicalShardID> <dstShard>
                                     move a logical shard to another physical shard
  catalog <using> <table>            describe a table's reflected columns
  handles <using>                    list persistent dblink handles
  flush                              flush the memcache fleet
`

func main() {
	migrationsPath := flag.String("migrations", "migrations", "path to schema migration files")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := settings.Load()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	if args[0] == "flush" {
		cache.NewFlusher(cfg).AttemptFlush()
		return
	}

	database, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open databases: %v", err)
	}
	defer database.Close()

	database.SetMailer(mail.NewSender(cfg.SMTP))
	database.SetEventPublisher(sharding.NewEvent(database, cfg))
	if len(cfg.MemcacheServers) > 0 {
		database.SetCacheFlusher(cache.NewFlusher(cfg))
	}
	if cfg.AWSStorageBucketName != "" {
		store, err := storage.NewClientFromSettings(cfg)
		if err != nil {
			log.Fatalf("Failed to create storage client: %v", err)
		}
		database.SetBackupStore(store)
	}

	if err := run(ctx, database, args, *migrationsPath); err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func run(ctx context.Context, database *db.DB, args []string, migrationsPath string) error {
	switch args[0] {
	case "migrate-schema":
		return database.MigrateSchemaEverywhere(migrationsPath)

	case "replicate":
		if len(args) != 4 {
			return fmt.Errorf("usage: shardctl replicate <table> <src> <dst>")
		}
		source := sharding.CoerceIDToShardName(args[2])
		destination := sharding.CoerceIDToShardName(args[3])
		return database.ReplicateTable(ctx, args[1], source, destination)

	case "migrate-shard":
		if len(args) != 3 {
			return fmt.Errorf("usage: shardctl migrate-shard <logicalShardID> <dstShard>")
		}
		logicalShardID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid logical shard id %q", args[1])
		}
		destination := sharding.CoerceIDToShardName(args[2])
		return database.MigrateLogicalShard(ctx, logicalShardID, destination)

	case "catalog":
		if len(args) != 3 {
			return fmt.Errorf("usage: shardctl catalog <using> <table>")
		}
		columns, err := database.Describe(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		for _, column := range columns {
			fmt.Printf("%s\t%s\n", column.Name, column.Type)
		}
		return nil

	case "handles":
		if len(args) != 2 {
			return fmt.Errorf("usage: shardctl handles <using>")
		}
		handles, err := database.PersistentConnectionHandles(ctx, args[1])
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			fmt.Println("no persistent dblink handles")
			return nil
		}
		for _, handle := range handles {
			fmt.Println(handle)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
