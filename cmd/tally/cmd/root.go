// Package cmd provides CLI commands for tally.
package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/events/kafka"
	"github.com/xraph/tally/observability"
)

// app holds the global flags shared by every subcommand.
type app struct {
	cfgFile string
	envFile string
	debug   bool
	group   string
	actor   string
}

// Execute builds the command tree and runs it against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "tally",
		Short: "Group-scoped fiat and settlement ledger",
		Long: `tally records deposits, withdrawals, and payments for a group,
converts fiat into a settlement currency through the group's fee and
exchange rate, and keeps an append-only log in which any movement or
payment can be skipped by its ordinal.

Movements are numbered 1, 2, 3...; payments !1, !2, ... Ordinals are
recomputed after every skip.

Example:
  tally -g desk rate exchange 14600
  tally -g desk rate fee 2%
  tally -g desk deposit 1,000,000 --code BCA
  tally -g desk pay 50 --code BCA
  tally -g desk skip !1
  tally -g desk show`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logLevel := slog.LevelInfo
			if a.debug {
				logLevel = slog.LevelDebug
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))
			slog.SetDefault(logger)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML config file")
	pf.StringVar(&a.envFile, "env", ".env", "dotenv file (ignored when missing)")
	pf.BoolVar(&a.debug, "debug", false, "enable debug logging")
	pf.StringVarP(&a.group, "group", "g", os.Getenv("TALLY_GROUP"), "group ID (default $TALLY_GROUP)")
	pf.StringVar(&a.actor, "actor", defaultActor(), "actor recorded on log entries")

	root.AddCommand(
		a.depositCmd(),
		a.withdrawCmd(),
		a.payCmd(),
		a.rateCmd(),
		a.resetCmd(),
		a.wipeCmd(),
		a.skipCmd(),
		a.hideCmd(),
		a.showCmd(),
		a.historyCmd(),
		a.reconcileCmd(),
	)
	return root
}

// withEngine loads configuration, opens the store, starts an engine with
// the configured plugins, and runs fn. The engine is stopped afterwards,
// which closes the store.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *tally.Engine) error) error {
	if a.group == "" {
		return errors.New("a group is required: pass --group or set TALLY_GROUP")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(a.cfgFile, a.envFile)
	if err != nil {
		return err
	}

	slog.Debug("opening store", "driver", cfg.Store.Driver)
	s, err := cfg.Store.Open(ctx)
	if err != nil {
		return err
	}

	logger := slog.Default()
	if !a.debug {
		lvl, _ := cfg.Level()
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}

	opts := []tally.Option{
		tally.WithLogger(logger),
		tally.WithCurrencies(cfg.FiatCurrency, cfg.SettlementCurrency),
	}
	if cfg.PluginTimeout > 0 {
		opts = append(opts, tally.WithPluginTimeout(cfg.PluginTimeout))
	}
	if cfg.Audit {
		chain := audithook.NewChainRecorder(logRecorder(logger))
		opts = append(opts, tally.WithPlugin(audithook.New(chain, audithook.WithLogger(logger))))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		opts = append(opts, tally.WithPlugin(kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, kafka.WithLogger(logger))))
	}

	var reg *prometheus.Registry
	if cfg.MetricsFile != "" {
		reg = prometheus.NewRegistry()
		opts = append(opts, tally.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))))
	}

	eng := tally.New(s, opts...)
	if err := eng.Start(ctx); err != nil {
		_ = s.Close()
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Warn("stop engine", "error", err)
		}
		if reg != nil {
			if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
				logger.Warn("write metrics", "file", cfg.MetricsFile, "error", err)
			}
		}
	}()

	return fn(ctx, eng)
}

// logRecorder writes audit events to the log, including the chain hash
// added by the chain recorder.
func logRecorder(logger *slog.Logger) audithook.Recorder {
	return audithook.RecorderFunc(func(_ context.Context, ev *audithook.AuditEvent) error {
		logger.Info("audit",
			"action", ev.Action,
			"group_id", ev.GroupID,
			"actor", ev.Actor,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"outcome", ev.Outcome,
			"severity", ev.Severity,
			"hash", ev.Metadata["hash"],
		)
		return nil
	})
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
