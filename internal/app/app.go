// Package app wires configuration, storage and integrations into the
// command-line operations.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"civicreg/internal/category"
	"civicreg/internal/config"
	"civicreg/internal/dedupe"
	"civicreg/internal/domain"
	"civicreg/internal/httpx"
	"civicreg/internal/ingest"
	"civicreg/internal/integrations/llm"
	"civicreg/internal/integrations/open311"
	slackbot "civicreg/internal/integrations/slack"
	"civicreg/internal/labeling"
	"civicreg/internal/logging"
	"civicreg/internal/metrics"
	"civicreg/internal/storage/postgres"
	"civicreg/internal/storage/sqlite"
)

// Store is the persistence surface shared by ingestion and labeling. Both
// the sqlite and the postgres stores implement it.
type Store interface {
	ingest.Store
	labeling.Store
	GetRun(ctx context.Context, runID int64) (domain.PipelineRun, error)
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	cfg     config.Config
	log     *slog.Logger
	out     io.Writer
	errOut  io.Writer
	metrics *metrics.Metrics
}

func New(cfg config.Config, log *slog.Logger, out, errOut io.Writer) *App {
	if log == nil {
		log = logging.New(cfg.Log.Level, cfg.Log.Format)
	}
	return &App{cfg: cfg, log: log, out: out, errOut: errOut, metrics: metrics.New()}
}

// Main runs the command line and returns the process exit code: 0 on
// success, 1 on a failed command, 2 on a usage error.
func Main(args []string, out, errOut io.Writer) int {
	cmd, rest, err := lookup(args)
	if err != nil {
		fmt.Fprintln(errOut, err)
		printUsage(errOut)
		return 2
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := New(cfg, nil, out, errOut)
	return a.exitCode(cmd.name, cmd.run(ctx, a, rest))
}

func (a *App) exitCode(name string, err error) int {
	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		fmt.Fprintf(a.errOut, "%s: %v\n", name, err)
		return 2
	default:
		a.log.Error("command.failed", "command", name, "error", err)
		return 1
	}
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.cfg.Database.Driver {
	case config.DriverPostgres:
		dsn, err := a.cfg.PostgresURL()
		if err != nil {
			return nil, err
		}
		s, err := postgres.Open(ctx, dsn, a.cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		a.log.Info("db.opened", "driver", config.DriverPostgres)
		return s, nil
	default:
		s, err := sqlite.Open(a.cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		a.log.Info("db.opened", "driver", config.DriverSQLite, "path", a.cfg.Database.Path)
		return s, nil
	}
}

// ingestRunner builds a runner against store, which may be nil for offline
// dry runs.
func (a *App) ingestRunner(store ingest.Store) (*ingest.Runner, error) {
	timeout := httpx.ConfigureExternalHTTPClient(a.cfg.Open311.TimeoutSeconds)
	categories, err := category.Load(a.cfg.Ingestion.CategoryMapPath)
	if err != nil {
		return nil, fmt.Errorf("load category table: %w", err)
	}
	a.log.Info("ingestion.configured", "base_url", a.cfg.Open311.BaseURL, "http_timeout", timeout.String(),
		"categories", categories.Len(), "gap_fill", a.cfg.Ingestion.EnableGapFill)

	fetcher := open311.New(open311.Options{
		BaseURL:       a.cfg.Open311.BaseURL,
		PageSize:      a.cfg.Open311.PageSize,
		UseExtensions: a.cfg.Open311.UseExtensions,
		MaxRetries:    a.cfg.Open311.MaxRetries,
		Logger:        a.log.With("component", "open311"),
	})
	runner := ingest.NewRunner(store, fetcher, categories, ingest.Options{
		OverlapHours:  a.cfg.Ingestion.OverlapHours,
		EnableGapFill: a.cfg.Ingestion.EnableGapFill,
		GapFillLimit:  a.cfg.Ingestion.GapFillLimit,
		Workers:       a.cfg.Open311.MaxWorkers,
		Duplicate: dedupe.Config{
			WindowHours:        a.cfg.Duplicate.WindowHours,
			CoordPrecision:     a.cfg.Duplicate.CoordPrecision,
			RequireServiceName: a.cfg.Duplicate.RequireServiceName,
			RequireAddress:     a.cfg.Duplicate.RequireAddress,
		},
		LinkOnlyMinChars: a.cfg.Quality.LinkOnlyMinChars,
	}, a.log).WithRecorder(a.metrics)

	if a.cfg.SlackConfigured() {
		n, err := slackbot.New(a.cfg.Slack.BotToken, a.cfg.Slack.ChannelID, a.log)
		if err != nil {
			return nil, err
		}
		runner.WithNotifier(n)
	}
	return runner, nil
}

func (a *App) labelRunner(store labeling.Store) (*labeling.Runner, error) {
	classifier, err := llm.New(llm.Options{
		APIKey:          a.cfg.LLM.APIKey,
		Model:           a.cfg.LLM.Model,
		MaxOutputTokens: a.cfg.LLM.MaxOutputTokens,
		Temperature:     a.cfg.LLM.Temperature,
		BaseURL:         a.cfg.LLM.BaseURL,
		Logger:          a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("configure classifier: %w", err)
	}
	return labeling.NewRunner(store, classifier, labeling.Options{
		Model:       a.cfg.LLM.Model,
		MaxAttempts: max(1, a.cfg.Labeling.MaxRetries),
		Sleep:       a.cfg.LabelingSleep(),
	}, a.log), nil
}
