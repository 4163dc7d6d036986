// Command taskscope-demo runs a monitor against a synthetic workload so the
// update streams have something to show. Point a subscriber at
// http://127.0.0.1:6669/v1/tasks/watch and watch the deltas arrive.
package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/taskscope/taskscope"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TASKSCOPE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	mon, err := taskscope.New(
		taskscope.WithVersion(version),
		taskscope.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	go workload(ctx, mon)

	return mon.Run(ctx)
}

// workload spawns short-lived worker tasks that poll with jittered
// durations, plus one long-lived ticker task, exercising every event kind.
func workload(ctx context.Context, mon *taskscope.Monitor) {
	workerSite := mon.RegisterSite("demo_worker", "taskscope_demo::worker", "worker.id")
	tickerSite := mon.RegisterSite("demo_ticker", "taskscope_demo::ticker")

	var wg sync.WaitGroup

	ticker := mon.Spawn(tickerSite, taskscope.KindSpawn, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Complete()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				ticker.Wake()
				ticker.PollStart()
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
				ticker.PollEnd()
			}
		}
	}()

	var n uint64
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-time.After(2 * time.Second):
		}

		n++
		task := mon.Spawn(workerSite, taskscope.KindSpawn, []taskscope.Field{
			taskscope.UintField("worker.id", n),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer task.Complete()
			task.WakerClone()
			defer task.WakerDrop()
			for i := 0; i < 5; i++ {
				task.PollStart()
				time.Sleep(time.Duration(1+rand.Intn(10)) * time.Millisecond)
				task.PollEnd()
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
					task.Wake()
				}
			}
		}()
	}
}
