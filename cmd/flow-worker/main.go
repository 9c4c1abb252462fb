// Command flow-worker runs a worker pool: it leases jobs from the
// server's Work Queue, dispatches them through the Executor Registry, and
// reports outcomes back over the Worker Protocol, gated by an adaptive
// concurrency limiter.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/google/uuid"

	flowconfig "github.com/gorax/flow/internal/config"
	"github.com/gorax/flow/internal/database"
	"github.com/gorax/flow/internal/database/connectors"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/obs"
	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/task"
	"github.com/gorax/flow/internal/workerclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := flowconfig.Load()
	if err != nil {
		logger.Error("flow-worker: load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := obs.InitTracing(ctx, cfg.Observability)
	if err != nil {
		logger.Error("flow-worker: init tracing failed", "error", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	errTracker, err := obs.InitErrorTracking(cfg.Observability)
	if err != nil {
		logger.Error("flow-worker: init error tracking failed", "error", err)
		os.Exit(1)
	}
	defer errTracker.Flush(2 * time.Second)

	workerID := uuid.NewString()
	gate := workerclient.NewGate(cfg.Worker.InitialConcurrency, cfg.Worker.MaxConcurrency)
	client := workerclient.New(cfg.Worker.ServerURL, workerID, gate, logger)

	registry := buildRegistry(ctx, cfg, client, logger)

	identity := workerclient.NewIdentity(workerID, "default")
	pool := workerclient.NewPool(client, registry, identity, workerclient.Config{
		Concurrency:  int(cfg.Worker.InitialConcurrency),
		LeaseSeconds: cfg.Worker.LeaseDuration,
		PollInterval: time.Duration(cfg.Worker.PollInterval) * time.Second,
	}, logger)

	go workerclient.RunProbe(ctx, client, gate, 5*time.Second, logger)

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		addr := ":" + cfg.Worker.HealthPort
		logger.Info("flow-worker: health endpoint listening", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("flow-worker: health endpoint stopped", "error", err)
		}
	}()

	logger.Info("flow-worker: starting pool", "worker_id", workerID, "concurrency", cfg.Worker.InitialConcurrency)
	pool.Run(ctx)
	logger.Info("flow-worker: shut down", "worker_id", workerID)
}

// buildRegistry wires every task.type to its Executor at startup: each
// collaborator an executor needs (a connector, a KMS client, the registry
// itself for recursive dispatch) is constructed here and injected
// explicitly.
func buildRegistry(ctx context.Context, cfg *flowconfig.Config, client *workerclient.Client, logger *slog.Logger) *task.Registry {
	registry := task.NewRegistry()

	registry.Register(playbook.TaskHTTP, task.NewHTTPExecutor())
	registry.Register(playbook.TaskPython, task.NewPythonExecutor(os.Getenv("PYTHON_INTERPRETER")))
	registry.Register(playbook.TaskIterator, task.NewIteratorExecutor())
	registry.Register(playbook.TaskTransfer, task.NewTransferExecutor())
	registry.Register(playbook.TaskSnowflake, task.NewSnowflakeExecutor())

	pgConnector := connectors.NewPostgreSQLConnector()
	registry.Register(playbook.TaskPostgres, task.NewSQLExecutor(pgConnector, cfg.Database.ConnectionString()))

	// duckdb is served by the embedded SQLite connector, the analytic
	// stand-in this build carries (see DESIGN.md).
	duckdbConnector := connectors.NewSQLiteConnector()
	registry.Register(playbook.TaskDuckDB, task.NewSQLExecutor(duckdbConnector, os.Getenv("DUCKDB_PATH")))

	mongoConnector := connectors.NewMongoDBConnector()
	registry.Register(playbook.TaskSave, task.NewSaveExecutor(mongoConnector, os.Getenv("MONGO_URL")))

	registry.Register(playbook.TaskWorkbook, task.NewWorkbookExecutor(workbookLookup(client), registry))

	if cfg.Secrets.UseKMS {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
		if cfg.AWS.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			logger.Error("flow-worker: load aws config failed", "error", err)
			os.Exit(1)
		}
		kmsClient := kms.NewFromConfig(awsCfg)
		registry.Register(playbook.TaskSecrets, task.NewSecretsExecutor(kmsClient))
	}

	registry.Register(playbook.TaskPlaybook, task.NewPlaybookExecutor(startChildExecution(client)))

	return registry
}

// workbookLookup is the fallback resolution path for workbook entries. The
// broker embeds the resolved entry inline in the job's action, so this is
// only consulted for a job whose action predates that resolution; with no
// separate lookup endpoint on the wire, an unresolved name is reported as
// not found rather than guessed.
func workbookLookup(client *workerclient.Client) task.WorkbookLookup {
	return func(name string) (playbook.WorkbookItem, bool) {
		return playbook.WorkbookItem{}, false
	}
}

// startChildExecution posts an execution_start event for a nested
// sub-playbook and returns the new execution id, since the task package
// has no server client of its own. The parent execution id rides the job's
// context (set once per job in the pool) so the child's events link back to
// the loop iteration waiting on them.
func startChildExecution(client *workerclient.Client) task.StartChildExecution {
	return func(ctx context.Context, path, version string, workload map[string]any) (int64, error) {
		event := eventlog.Event{
			EventType: eventlog.EventExecutionStart,
			Context:   eventlog.JSON{Raw: map[string]any{"path": path, "version": version, "workload": workload}},
		}
		if parent, err := strconv.ParseInt(database.ExecutionIDFromContext(ctx), 10, 64); err == nil && parent > 0 {
			event.ParentExecution = &parent
		}
		stored, err := client.PostEvent(ctx, event)
		if err != nil {
			return 0, fmt.Errorf("flow-worker: start child execution: %w", err)
		}
		return stored.ExecutionID, nil
	}
}
