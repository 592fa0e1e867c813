package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"opsync/internal/config"
	"opsync/internal/database"
	"opsync/internal/repository"
	"opsync/internal/worker"

	"github.com/rs/zerolog"
)

// Copies pending operations between the SQLite queue and Redis, e.g. when
// moving a daemon onto a shared Redis. Operations already present in the
// destination are updated in place.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath    = flag.String("db", "./data/queue.db", "path to sqlite queue")
		redisAddr = flag.String("redis", "localhost:6379", "redis address")
		prefix    = flag.String("prefix", "opsync", "redis key prefix")
		toSQLite  = flag.Bool("to-sqlite", false, "copy from redis into sqlite instead")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	client := repository.NewRedisClient(config.RedisConfig{Address: *redisAddr, PoolSize: 2})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	var src, dst worker.Store = database.NewOperationStore(db), repository.NewRedisOperationStore(client, *prefix)
	if *toSQLite {
		src, dst = dst, src
	}

	ops, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	existing, err := dst.Load(ctx)
	if err != nil {
		return fmt.Errorf("load destination: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, op := range existing {
		known[op.ID] = struct{}{}
	}

	created := 0
	updated := 0
	for _, op := range ops {
		if _, ok := known[op.ID]; ok {
			if err = dst.Update(ctx, op); err != nil {
				return fmt.Errorf("update %s: %w", op.ID, err)
			}
			updated++
			continue
		}
		if err = dst.Append(ctx, op); err != nil {
			return fmt.Errorf("append %s: %w", op.ID, err)
		}
		created++
	}

	fmt.Printf("done: created=%d updated=%d\n", created, updated)
	return nil
}
