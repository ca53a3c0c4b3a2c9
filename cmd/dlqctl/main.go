// Command dlqctl is the operator tool for dead letter remediation and API
// key rotation. It talks to the stores directly, so it runs where the
// service's config resolves.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
	"github.com/aurea-ops/orchestrator/internal/repository"
	"github.com/aurea-ops/orchestrator/internal/service"
)

const usage = `usage: dlqctl <command> [flags]

commands:
  depths                         show per-type DLQ depths
  list -type T [-limit N]        list dead-lettered tasks for a type
  requeue -type T [-count N]     requeue dead letters at lower priority
  purge -type T [-count N]       drop dead letters, keeping task rows
  rotate-key -id ID [-overlap M] rotate an API key with an overlap window
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Operator tool: keep zap quiet, print results to stdout.
	if err := logger.Init(logger.InitOptions{Level: "error", Format: "console", ServiceName: "dlqctl"}); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	db, closeDB, err := repository.NewDB(cfg)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer closeDB()
	redisClient, closeRedis, err := repository.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer closeRedis()

	broker := repository.NewQueueBroker(redisClient, cfg)
	taskRepo := repository.NewTaskRepository(db)
	dlq := service.NewDLQService(taskRepo, broker)
	keys := service.NewAPIKeyService(repository.NewAPIKeyRepository(db), cfg.Auth.APIKeySalt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "depths":
		runDepths(ctx, dlq)
	case "list":
		runList(ctx, dlq, args)
	case "requeue":
		runRequeue(ctx, dlq, args)
	case "purge":
		runPurge(ctx, dlq, args)
	case "rotate-key":
		runRotateKey(ctx, keys, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runDepths(ctx context.Context, dlq *service.DLQService) {
	depths, err := dlq.Depths(ctx)
	if err != nil {
		log.Fatalf("dlq depths: %v", err)
	}
	printJSON(depths)
}

func runList(ctx context.Context, dlq *service.DLQService, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	taskType := fs.String("type", "", "task type")
	limit := fs.Int64("limit", 50, "max entries to show")
	_ = fs.Parse(args)
	requireType(fs, *taskType)

	tasks, err := dlq.List(ctx, *taskType, *limit)
	if err != nil {
		log.Fatalf("dlq list: %v", err)
	}
	printJSON(tasks)
}

func runRequeue(ctx context.Context, dlq *service.DLQService, args []string) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	taskType := fs.String("type", "", "task type")
	count := fs.Int64("count", 10, "max entries to requeue")
	_ = fs.Parse(args)
	requireType(fs, *taskType)

	requeued, err := dlq.Requeue(ctx, *taskType, *count)
	if err != nil {
		log.Fatalf("dlq requeue: %v", err)
	}
	fmt.Printf("requeued %d task(s) of type %s\n", requeued, *taskType)
}

func runPurge(ctx context.Context, dlq *service.DLQService, args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	taskType := fs.String("type", "", "task type")
	count := fs.Int64("count", 100, "max entries to purge")
	_ = fs.Parse(args)
	requireType(fs, *taskType)

	purged, err := dlq.Purge(ctx, *taskType, *count)
	if err != nil {
		log.Fatalf("dlq purge: %v", err)
	}
	fmt.Printf("purged %d task(s) of type %s\n", purged, *taskType)
}

func runRotateKey(ctx context.Context, keys *service.APIKeyService, args []string) {
	fs := flag.NewFlagSet("rotate-key", flag.ExitOnError)
	id := fs.String("id", "", "api key id")
	overlap := fs.Int("overlap", 15, "minutes the old key stays valid")
	_ = fs.Parse(args)
	if *id == "" {
		fs.Usage()
		os.Exit(2)
	}

	raw, key, err := keys.Rotate(ctx, *id, time.Duration(*overlap)*time.Minute)
	if err != nil {
		log.Fatalf("rotate key: %v", err)
	}
	fmt.Printf("new key (shown once): %s\n", raw)
	printJSON(key)
}

func requireType(fs *flag.FlagSet, taskType string) {
	if taskType == "" {
		fs.Usage()
		os.Exit(2)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}
