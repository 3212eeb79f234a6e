package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/gate"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/storage/memory"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/service"
	"go.uber.org/zap"
)

// In-process fleet simulation: a control plane on memory adapters with N
// synthetic workers driving register/heartbeat/poll/acquire/report. Useful
// for eyeballing the exactly-once and capacity invariants under load.
const (
	simulationDuration = 60 * time.Second
	injectionInterval  = 2 * time.Second
	fleetSize          = 5
	workerCapacity     = 3
	accountID          = "sim-account"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), simulationDuration)
	defer cancel()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}

	taskRepo := memory.NewTaskRepository()
	workerRepo := memory.NewWorkerRepository()
	eventRepo := memory.NewTaskEventRepository()
	ledger := memory.NewCapacityLedger()
	validation := memory.NewValidationCache()
	metrics := port.NoopInstrumentation{}

	allowlist, _ := gate.NewCIDRAllowlist(nil)
	accounts := gate.NewStaticAccounts(nil)
	versions := gate.NewConfigVersions([]string{"1.0.0"})

	registry := service.NewRegistryService(workerRepo, ledger, allowlist, accounts, versions, time.Minute, logger)
	acquisition := service.NewAcquisitionService(taskRepo, workerRepo, ledger, validation, metrics, 5*time.Minute, logger)
	poll := service.NewPollService(registry, eventRepo, workerRepo, 10, time.Second, logger)
	dispatcher := service.NewDispatchService(taskRepo, eventRepo, workerRepo, ledger, validation,
		nil, registry, metrics, 30*time.Second, time.Second, logger)
	sweeper := service.NewSweepService(taskRepo, ledger, metrics, time.Second, logger)

	go sweeper.Run(ctx)
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Println("dispatch loop:", err)
		}
	}()

	var completed, raced atomic.Int64
	var wg sync.WaitGroup

	fmt.Printf("🚀 Starting %s simulation with %d workers...\n", simulationDuration, fleetSize)

	for i := 0; i < fleetSize; i++ {
		workerID := fmt.Sprintf("sim-worker-%d", i)
		if _, err := registry.Register(ctx, accountID, service.WorkerParams{
			WorkerID:         workerID,
			Hostname:         workerID,
			Version:          "1.0.0",
			PollingMode:      true,
			DeclaredCapacity: workerCapacity,
		}, "127.0.0.1"); err != nil {
			log.Fatal("register:", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, workerID, poll, acquisition, &completed, &raced)
		}()
	}

	// Task generator
	go func() {
		ticker := time.NewTicker(injectionInterval)
		defer ticker.Stop()
		count := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				batch := rand.Intn(4) + 1
				for i := 0; i < batch; i++ {
					count++
					task := &domain.Task{
						ID:        fmt.Sprintf("sim-task-%d", count),
						AccountID: accountID,
						Criteria:  "reach-sim-host",
						Payload:   []byte(`{"type":"TASK_RESULT","data":{}}`),
						Format:    domain.FormatV1,
						Timeout:   20 * time.Second,
					}
					if err := dispatcher.Dispatch(ctx, task); err != nil {
						log.Println("dispatch:", err)
					}
				}
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	fmt.Printf("\n✅ Simulation complete: %d tasks executed, %d lost races observed.\n",
		completed.Load(), raced.Load())
}

func runWorker(ctx context.Context, workerID string, poll *service.PollService, acquisition *service.AcquisitionService, completed, raced *atomic.Int64) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := poll.HeartbeatWithPolling(ctx, accountID, service.WorkerParams{
				WorkerID:         workerID,
				Version:          "1.0.0",
				PollingMode:      true,
				DeclaredCapacity: workerCapacity,
			})
			if err != nil {
				log.Println("heartbeat:", err)
				continue
			}

			for _, event := range resp.Events {
				pkg, err := acquisition.Acquire(ctx, accountID, workerID, event.TaskID)
				if err != nil {
					log.Println("acquire:", err)
					continue
				}
				if pkg == nil {
					raced.Add(1)
					continue
				}

				// claim, validate connectivity, run, report success
				if _, err := acquisition.ReportConnectionResults(ctx, accountID, workerID, pkg.TaskID,
					[]*domain.ConnectionValidationResult{{
						Criteria:   pkg.Criteria,
						Validated:  true,
						DurationMs: int64(rand.Intn(40) + 10),
					}}); err != nil {
					log.Println("report:", err)
					continue
				}

				time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)

				if err := acquisition.CompleteTask(ctx, accountID, pkg.TaskID, false); err != nil {
					log.Println("complete:", err)
					continue
				}
				completed.Add(1)
			}
		}
	}
}
