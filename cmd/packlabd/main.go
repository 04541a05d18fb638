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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/packlab-io/packlab-go/internal/budget"
	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/lifecycle"
	"github.com/packlab-io/packlab-go/internal/observability"
	"github.com/packlab-io/packlab-go/internal/platform/objectstore"
	"github.com/packlab-io/packlab-go/internal/platform/postgres"
	"github.com/packlab-io/packlab-go/internal/platform/redisconn"
	"github.com/packlab-io/packlab-go/internal/queue"
	repopg "github.com/packlab-io/packlab-go/internal/repo/postgres"
	"github.com/packlab-io/packlab-go/internal/storage/results"
	"github.com/packlab-io/packlab-go/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var configPath string
	root := &cobra.Command{
		Use:           "packlabd",
		Short:         "Decision pack run lifecycle daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to yaml config file")

	root.AddCommand(workerCmd(logger, &configPath))
	root.AddCommand(reaperCmd(logger, &configPath))
	root.AddCommand(submitCmd(logger, &configPath))
	root.AddCommand(tenantCmd(logger, &configPath))
	root.AddCommand(auditCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// deps is the shared wiring for the daemons.
type deps struct {
	cfg       daemonConfig
	runs      *repopg.RunStore
	ledger    *budget.RedisLedger
	queue     *queue.RedisQueue
	artifacts *results.MinioStore
	metrics   *observability.Metrics
	close     func()
}

func buildDeps(ctx context.Context, configPath string) (*deps, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}

	redisCfg, err := redisconn.ConfigFromEnv()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	redisClient, err := redisconn.Open(ctx, redisCfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis unavailable: %w", err)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, err
	}
	artifacts, err := results.NewMinioStore(storeCfg)
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("object store unavailable: %w", err)
	}

	ledger, err := budget.NewRedisLedger(redisClient, cfg.Tunables.ReservationTTL)
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, err
	}
	q, err := queue.NewRedisQueue(redisClient, cfg.QueueName)
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, err
	}

	return &deps{
		cfg:       cfg,
		runs:      repopg.NewRunStore(db),
		ledger:    ledger,
		queue:     q,
		artifacts: artifacts,
		metrics:   observability.NewMetrics(prometheus.DefaultRegisterer),
		close: func() {
			_ = db.Close()
			_ = redisClient.Close()
		},
	}, nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()
}

func workerCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume dispatch messages and execute packs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, *configPath)
			if err != nil {
				return err
			}
			defer d.close()
			serveMetrics(ctx, d.cfg.MetricsAddr, logger)

			if moved, err := d.queue.Redrive(ctx); err != nil {
				logger.Warn("queue redrive", "error", err)
			} else if moved > 0 {
				logger.Info("requeued in-flight messages", "count", moved)
			}

			finalizer := lifecycle.NewFinalizer(d.runs, d.ledger, "worker", logger, d.metrics)
			loop := worker.NewLoop(d.queue, d.runs, d.artifacts, finalizer, worker.DefaultRegistry(), d.cfg.Tunables, logger)
			if loop == nil {
				return fmt.Errorf("worker loop wiring failed")
			}

			logger.Info("worker started", "queue", d.cfg.QueueName, "lease_ttl", d.cfg.Tunables.LeaseTTL.String())
			err = loop.Run(ctx)
			if ctx.Err() != nil {
				logger.Info("worker stopped")
				return nil
			}
			return err
		},
	}
}

func reaperCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reaper",
		Short: "Sweep expired leases and stuck finalize claims",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, *configPath)
			if err != nil {
				return err
			}
			defer d.close()
			serveMetrics(ctx, d.cfg.MetricsAddr, logger)

			reconciler := lifecycle.NewReconciler(d.runs, d.ledger, d.artifacts, d.cfg.Tunables, logger, d.metrics)
			if reconciler == nil {
				return fmt.Errorf("reconciler wiring failed")
			}

			logger.Info("reaper started",
				"sweep_period", d.cfg.Tunables.SweepPeriod.String(),
				"stuck_claim_age", d.cfg.Tunables.StuckClaimAge.String())
			err = reconciler.Run(ctx)
			if ctx.Err() != nil {
				logger.Info("reaper stopped")
				return nil
			}
			return err
		},
	}
}

func submitCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	var tenantID, packType, question, url, maxCost, idemKey string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run from the command line",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			d, err := buildDeps(ctx, *configPath)
			if err != nil {
				return err
			}
			defer d.close()

			cost, err := domain.ParseMoney(maxCost)
			if err != nil {
				return fmt.Errorf("parse max cost: %w", err)
			}
			input := domain.Metadata{}
			if question != "" {
				input["question"] = question
			}
			if url != "" {
				input["url"] = url
			}

			submitter := lifecycle.NewSubmitter(d.runs, d.ledger, d.queue, d.cfg.Tunables, logger, d.metrics)
			run, err := submitter.Submit(ctx, lifecycle.SubmitRequest{
				TenantID:       tenantID,
				PackType:       packType,
				PackInput:      input,
				MaxCost:        cost,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return err
			}
			logger.Info("run accepted", "run_id", run.RunID, "status", string(run.Status), "reserved", run.ReservationMaxCost.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&packType, "pack", "decision", "pack type")
	cmd.Flags().StringVar(&question, "question", "", "decision pack question")
	cmd.Flags().StringVar(&url, "url", "", "url pack target")
	cmd.Flags().StringVar(&maxCost, "max-cost", "1.0000", "reservation ceiling (display units)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key (8-64 chars)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("idempotency-key")
	return cmd
}

func tenantCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant provisioning and ledger seeding",
	}

	var displayName, tier, balance, softLimit string
	create := &cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Create a tenant and seed its ledger balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			d, err := buildDeps(ctx, *configPath)
			if err != nil {
				return err
			}
			defer d.close()

			bal, err := domain.ParseMoney(balance)
			if err != nil {
				return fmt.Errorf("parse balance: %w", err)
			}
			var limit domain.Micros
			if softLimit != "" {
				parsed, err := domain.ParseMoney(softLimit)
				if err != nil {
					return fmt.Errorf("parse soft limit: %w", err)
				}
				limit = -parsed
			}

			dbCfg, err := postgres.ConfigFromEnv()
			if err != nil {
				return err
			}
			db, err := postgres.Open(ctx, dbCfg)
			if err != nil {
				return fmt.Errorf("database unavailable: %w", err)
			}
			defer func() { _ = db.Close() }()

			tenants := repopg.NewTenantStore(db)
			if err := tenants.Create(ctx, domain.Tenant{
				TenantID:    args[0],
				DisplayName: displayName,
				Tier:        tier,
				SoftLimit:   limit,
			}); err != nil {
				return err
			}
			if err := d.ledger.SetBalance(ctx, args[0], bal); err != nil {
				return err
			}
			if err := d.ledger.SetSoftLimit(ctx, args[0], limit); err != nil {
				return err
			}
			logger.Info("tenant created", "tenant_id", args[0], "balance", bal.String(), "soft_limit", limit.String())
			return nil
		},
	}
	create.Flags().StringVar(&displayName, "name", "", "display name")
	create.Flags().StringVar(&tier, "tier", "standard", "subscription tier")
	create.Flags().StringVar(&balance, "balance", "0.0000", "initial balance (display units)")
	create.Flags().StringVar(&softLimit, "overdraft", "", "overdraft allowance (display units, stored negative)")
	_ = create.MarkFlagRequired("name")
	cmd.AddCommand(create)

	return cmd
}

func auditCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Operator tools for AUDIT_REQUIRED runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <run-id> <confirmed-cost>",
		Short: "Mark an audited run settled with the confirmed cost",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			cost, err := domain.ParseMoney(args[1])
			if err != nil {
				// A value ParseMoney rejects is retried as raw integer micros.
				// Plain integers up to 10000 parse as display units first.
				v, convErr := strconv.ParseInt(args[1], 10, 64)
				if convErr != nil {
					return fmt.Errorf("parse cost %q: %w", args[1], err)
				}
				cost = domain.Micros(v)
			}

			dbCfg, err := postgres.ConfigFromEnv()
			if err != nil {
				return err
			}
			db, err := postgres.Open(ctx, dbCfg)
			if err != nil {
				return fmt.Errorf("database unavailable: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := lifecycle.ResolveAudit(ctx, repopg.NewRunStore(db), args[0], cost); err != nil {
				return err
			}
			logger.Info("audit resolved", "run_id", args[0], "confirmed_cost", cost.String())
			return nil
		},
	})
	return cmd
}
