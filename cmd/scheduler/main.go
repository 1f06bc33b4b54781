// Command scheduler runs the Backend.AI scheduling core: the scheduler
// loop, the termination sweeper and the agent liveness tracker, backed by
// an embedded bbolt store, a distributed lock and a message queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lablup/backend.ai-sub022/pkg/agentrpc"
	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/lock"
	"github.com/lablup/backend.ai-sub022/pkg/log"
	"github.com/lablup/backend.ai-sub022/pkg/manager"
	"github.com/lablup/backend.ai-sub022/pkg/metrics"
	"github.com/lablup/backend.ai-sub022/pkg/mq"
	"github.com/lablup/backend.ai-sub022/pkg/scheduler"
	"github.com/lablup/backend.ai-sub022/pkg/snapshot"
	"github.com/lablup/backend.ai-sub022/pkg/storage"
	"github.com/lablup/backend.ai-sub022/pkg/terminator"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// sysexits-style process exit codes.
const (
	exitOK          = 0
	exitUsage       = 64 // bad configuration or flags
	exitUnavailable = 69 // upstream dependency unreachable
	exitInternal    = 70 // internal failure
)

// exitError carries the process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error       { return &exitError{code: exitUsage, err: err} }
func unavailableErr(err error) error { return &exitError{code: exitUnavailable, err: err} }
func internalErr(err error) error    { return &exitError{code: exitInternal, err: err} }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := exitInternal
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
	os.Exit(exitOK)
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Backend.AI session scheduler",
	Long: `The scheduling core of a Backend.AI cluster: it admits pending
compute sessions against resource policies, places their kernels onto
agents, and drives session termination.

Configuration is read from a TOML file ($CONFIG or ./manager.toml) with
environment overrides for LOG_LEVEL, LOCK_BACKEND, MQ_ADDR and STORE_DSN.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Backend.AI scheduler %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML config file (overrides $CONFIG)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(scheduleOnceCmd)
	rootCmd.AddCommand(dumpSnapshotCmd)
}

func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return cfg, usageErr(err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, usageErr(err)
	}
	return cfg, nil
}

// deps is the wired component graph shared by all subcommands.
type deps struct {
	cfg     config.Config
	store   storage.Store
	locker  lock.Locker
	queue   mq.Queue
	builder *snapshot.Builder
}

func wire(ctx context.Context) (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSONOutput})

	store, err := storage.NewBoltStore(cfg.Store.DSN)
	if err != nil {
		return nil, unavailableErr(fmt.Errorf("open store: %w", err))
	}
	metrics.SetComponent("store", true, "")
	locker, err := lock.New(ctx, cfg.Lock)
	if err != nil {
		store.Close()
		return nil, unavailableErr(fmt.Errorf("init lock backend %s: %w", cfg.Lock.Backend, err))
	}
	metrics.SetComponent("lock", true, "")
	queue, err := mq.New(cfg.MQ)
	if err != nil {
		locker.Close()
		store.Close()
		return nil, unavailableErr(fmt.Errorf("init message queue: %w", err))
	}
	metrics.SetComponent("mq", true, "")

	return &deps{
		cfg:     cfg,
		store:   store,
		locker:  locker,
		queue:   queue,
		builder: snapshot.NewBuilder(store),
	}, nil
}

func (d *deps) close() {
	if err := d.queue.Close(); err != nil {
		log.Warn("queue close failed: " + err.Error())
	}
	if err := d.locker.Close(); err != nil {
		log.Warn("lock backend close failed: " + err.Error())
	}
	if err := d.store.Close(); err != nil {
		log.Warn("store close failed: " + err.Error())
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler daemon",
	Long: `Start the full scheduling core: the periodic scheduler loop with
wakeup-driven ticks, the termination sweeper, the agent liveness tracker
and the metrics endpoint. The process runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		d, err := wire(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		pool := agentrpc.NewPool(d.cfg.RPC)
		defer pool.Close()

		sched := scheduler.New(d.cfg.Scheduler, d.store, d.builder, d.locker, d.queue)
		term := terminator.New(d.store, pool, d.queue, d.cfg.Scheduler, d.cfg.RPC)
		mgr := manager.New(d.store, d.queue, d.builder, d.cfg.Scheduler)
		collector := metrics.NewCollector(d.store)
		metrics.SetVersion(Version)

		go func() {
			if err := metrics.Serve(d.cfg.Metrics.Addr); err != nil {
				log.Errorf("metrics endpoint failed: %v", err)
			}
		}()

		collector.Start()
		mgr.Start(ctx)
		term.Start(ctx)
		sched.Start(ctx)
		metrics.SetComponent("manager", true, "")
		metrics.SetComponent("terminator", true, "")
		metrics.SetComponent("scheduler", true, "")
		log.Info("scheduler started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("received signal " + sig.String() + ", shutting down")
		case <-ctx.Done():
		}

		cancel()
		sched.Stop()
		term.Stop()
		mgr.Stop()
		collector.Stop()
		log.Info("scheduler stopped")
		return nil
	},
}

var scheduleOnceCmd = &cobra.Command{
	Use:   "schedule-once",
	Short: "Run one scheduling tick for a scaling group and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("scaling-group")
		if group == "" {
			return usageErr(fmt.Errorf("--scaling-group is required"))
		}

		ctx := cmd.Context()
		d, err := wire(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		sched := scheduler.New(d.cfg.Scheduler, d.store, d.builder, d.locker, d.queue)
		sched.ScheduleGroup(ctx, group)
		return nil
	},
}

var dumpSnapshotCmd = &cobra.Command{
	Use:   "dump-snapshot",
	Short: "Print the scheduling snapshot of a scaling group as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("scaling-group")
		if group == "" {
			return usageErr(fmt.Errorf("--scaling-group is required"))
		}

		ctx := cmd.Context()
		d, err := wire(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		mgr := manager.New(d.store, d.queue, d.builder, d.cfg.Scheduler)
		snap, err := mgr.DumpSnapshot(ctx, group)
		if err != nil {
			if errors.Is(err, types.ErrSnapshotUnavailable) {
				return unavailableErr(err)
			}
			return internalErr(err)
		}

		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return internalErr(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	scheduleOnceCmd.Flags().String("scaling-group", "", "scaling group to schedule")
	dumpSnapshotCmd.Flags().String("scaling-group", "", "scaling group to dump")
}
