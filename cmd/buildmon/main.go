package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"build_monitor/pkg/builder"
	"build_monitor/pkg/gitrefs"
	"build_monitor/pkg/history"
	"build_monitor/pkg/monitor"
	"build_monitor/pkg/status"
)

// duration parses "30s"-style values from YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

type config struct {
	RefsEndpoint  string   `yaml:"refs_endpoint"`
	TokenFile     string   `yaml:"token_file"`
	PollInterval  duration `yaml:"poll_interval"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	BuildCommand  []string `yaml:"build_command"`
	HistoryFile   string   `yaml:"history_file"`
	StatusAddr    string   `yaml:"status_addr"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &config{
		PollInterval:  duration(time.Minute),
		MaxConcurrent: 2,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RefsEndpoint == "" {
		return nil, errors.New("refs_endpoint is required")
	}
	if len(cfg.BuildCommand) == 0 {
		return nil, errors.New("build_command is required")
	}
	return cfg, nil
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "buildmon",
		Short:        "watch repository refs and build every new commit once",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "buildmon.yaml", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	var token string
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return fmt.Errorf("failed to read token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	client := gitrefs.NewClient(logger, cfg.RefsEndpoint, token)
	exec := builder.NewExec(logger)

	m, err := monitor.New(logger, monitor.Config{
		FetchRefs:     client.FetchRefs,
		RunBuild:      exec.RunBuild,
		CmdWithArgs:   cfg.BuildCommand,
		MaxConcurrent: cfg.MaxConcurrent,
		PollInterval:  time.Duration(cfg.PollInterval),
	})
	if err != nil {
		return err
	}

	if cfg.HistoryFile != "" {
		shas, err := history.Load(cfg.HistoryFile)
		if err != nil {
			return err
		}
		if err := m.Seed(shas); err != nil {
			return err
		}
		logger.Info("seeded seen commits from history", zap.Int("count", len(shas)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var statusServer *http.Server
	if cfg.StatusAddr != "" {
		mux := http.NewServeMux()
		status.NewHandler(logger, m).Register(mux)
		statusServer = &http.Server{Addr: cfg.StatusAddr, Handler: mux}
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	m.Start()
	<-ctx.Done()
	logger.Info("shutting down")

	m.Dispose()
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statusServer.Shutdown(shutdownCtx)
	}

	if cfg.HistoryFile != "" {
		if err := history.Save(cfg.HistoryFile, m.SeenSHAs()); err != nil {
			return err
		}
	}
	return nil
}
