package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/paulgrammer/taskmaster/internal/bus"
	"github.com/paulgrammer/taskmaster/internal/config"
	"github.com/paulgrammer/taskmaster/internal/events"
	"github.com/paulgrammer/taskmaster/internal/executor"
	"github.com/paulgrammer/taskmaster/internal/httpapi"
	"github.com/paulgrammer/taskmaster/internal/jobs"
	"github.com/paulgrammer/taskmaster/internal/log"
	"github.com/paulgrammer/taskmaster/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string // actual config file used (if loaded)
	cfg        config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagParams         map[string]string
	flagTimeout        time.Duration
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+config.FileName+" in the user config dir or current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringToStringVarP(&flagParams, "param", "p", nil, "script parameter as key=value, repeatable")
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "give up waiting after this long (0 waits forever)")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initTaskmaster

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskmaster failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taskmaster",
	Short:        "Self-healing script job orchestrator",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP API and run the orchestrator",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run SCRIPT [SCRIPT...]",
	Short: "run one job in-process and wait for it to finish",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version prints build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("taskmaster: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("taskmaster: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
	},
}

func initTaskmaster(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath = config.Find(flagConfigFilePath)
	var err error
	cfg, err = config.LoadFile(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Log.Level = "debug"
	}
	slog.SetDefault(log.New(os.Stderr, log.ParseLevel(cfg.Log.Level), cfg.Log.Format))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if configPath != "" {
		slog.Debug("configuration loaded", "path", configPath)
	}
	return nil
}

func newManager(metrics *jobs.Metrics, notifier events.Notifier) (*jobs.Manager, error) {
	scripts := cfg.ScriptConfig()
	runner := executor.NewExecRunner(
		executor.WithScripts(scripts),
		executor.WithTerminateGrace(cfg.Orchestrator.TerminateGrace),
	)

	o := cfg.Orchestrator
	opts := []jobs.Option{
		jobs.WithDequeueWait(o.DequeueWait),
		jobs.WithMonitorInterval(o.MonitorInterval),
		jobs.WithSupervisorInterval(o.SupervisorInterval),
		jobs.WithStuckThreshold(o.StuckThreshold),
		jobs.WithMetrics(metrics),
		jobs.WithScriptValidator(scripts.ValidateScript),
		jobs.WithRegistryOptions(
			jobs.WithLogTail(o.LogTail),
			jobs.WithSecretParams(scripts.Secrets...),
		),
	}
	if notifier != nil {
		opts = append(opts, jobs.WithNotifier(notifier))
	}
	return jobs.NewManager(runner, opts...)
}

// notifiers builds the lifecycle event sinks. The returned cleanup closes
// the NATS connection.
func notifiers() (events.Notifier, func(), error) {
	var out events.Multi
	cleanup := func() {}

	if url := cfg.Notify.WebhookURL; url != "" {
		out = append(out, webhook.NewHook(url, cfg.Notify.WebhookTimeout, cfg.Notify.WebhookRetries))
		slog.Info("webhook notifications enabled", "url", url)
	}
	if url := cfg.Notify.NatsURL; url != "" {
		client, err := bus.Connect(url)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connecting to nats: %w", err)
		}
		cleanup = client.Close
		out = append(out, bus.NewPublisher(client, cfg.Notify.NatsSubject))
		slog.Info("nats notifications enabled", "url", url, "subject", cfg.Notify.NatsSubject)
	}
	if len(out) == 0 {
		return nil, cleanup, nil
	}
	return out, cleanup, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("taskmaster",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notifier, closeNotifiers, err := notifiers()
	if err != nil {
		return err
	}
	defer closeNotifiers()

	manager, err := newManager(jobs.NewMetrics(reg), notifier)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	handler, err := httpapi.NewRouter(manager,
		httpapi.WithGatherer(reg),
		httpapi.WithCompletedLimit(cfg.Orchestrator.CompletedLimit),
	)
	if err != nil {
		return err
	}

	s := cfg.Server
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           handler,
		ReadTimeout:       s.ReadTimeout,
		ReadHeaderTimeout: s.ReadHeaderTimeout,
		WriteTimeout:      s.WriteTimeout,
		IdleTimeout:       s.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "server listening", "addr", s.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("taskmaster",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	if flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flagTimeout)
		defer cancel()
	}

	notifier, closeNotifiers, err := notifiers()
	if err != nil {
		return err
	}
	defer closeNotifiers()

	manager, err := newManager(jobs.NewMetrics(nil), notifier)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	if err := manager.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer manager.Stop()

	job, err := manager.Submit(jobs.CreateJobRequest{Scripts: args, Params: flagParams, Start: true})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "job submitted", "job_id", job.ID, "scripts", strings.Join(args, ","),
		"params", slices.Sorted(maps.Keys(flagParams)))

	id := job.ID
	job, err = manager.WaitJob(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "giving up on job", "job_id", id, "error", err)
		_ = manager.CancelJob(id)
		return err
	}

	out := cmd.OutOrStdout()
	for _, line := range job.Logs {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "job %s %s (progress %d%%)\n", job.ID, job.Status, job.Progress)
	if job.Status != jobs.JobStatusCompleted {
		return fmt.Errorf("job %s ended %s", job.ID, job.Status)
	}
	return nil
}
