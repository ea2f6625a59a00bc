package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlkit/crawlkit/internal/apiserver"
	"github.com/crawlkit/crawlkit/internal/componentregistry"
	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/distributed"
	"github.com/crawlkit/crawlkit/internal/fetcher"
	"github.com/crawlkit/crawlkit/internal/genericspider"
	"github.com/crawlkit/crawlkit/internal/metrics"
	"github.com/crawlkit/crawlkit/internal/parser"
	"github.com/crawlkit/crawlkit/internal/runner"
	"github.com/crawlkit/crawlkit/internal/spider"
	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/types"

	goredis "github.com/go-redis/redis"
)

var (
	cfgFile     string
	verbose     bool
	outputPath  string
	outputType  string
	depth       int
	concurrent  int
	maxRequests int
	maxRetries  int
	apiPort     int
	allowedDoms string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crawlkit",
		Short: "crawlkit — an asynchronous web-crawling engine",
		Long: `crawlkit runs Spider implementations through an engine that handles
scheduling, bounded-concurrency fetching, retry-as-reschedule, and a
configurable item pipeline.

Features:
  - component-registry-selected scheduler/fetcher backends, local or Redis
  - Prometheus metrics and a REST control API
  - pause/resume/stop over OS signals or HTTP
  - optional distributed-mode node heartbeating`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(suggestSelectorsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Run a rule-driven crawl from one or more seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "./output", "output directory or file path")
	cmd.Flags().StringVarP(&outputType, "format", "f", "json", "output format: json, jsonl, csv")
	cmd.Flags().IntVarP(&depth, "depth", "d", 3, "maximum crawl depth")
	cmd.Flags().IntVarP(&concurrent, "concurrency", "n", 10, "number of concurrent fetches")
	cmd.Flags().IntVarP(&maxRequests, "max-requests", "m", 0, "maximum total requests (0 = unlimited)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "max retries per failed request (-1 = use config default)")
	cmd.Flags().IntVar(&apiPort, "api-port", 0, "REST control API port (0 = disabled)")
	cmd.Flags().StringVar(&allowedDoms, "allowed-domains", "", "comma-separated domains to stay within")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, rawURL := range args {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", rawURL, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := storage.New(&cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer backend.Close()

	sp := genericspider.New("run", args, cfg, backend, logger)

	r := runner.New(cfg, componentregistry.Default(), logger)
	if err := r.Healthcheck(ctx); err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}

	if cfg.Metrics.Enabled {
		reg := metrics.New(logger)
		if err := reg.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path, r, 5*time.Second); err != nil {
			logger.Warn("metrics server failed to start", "error", err)
		}
	}

	if apiPort > 0 {
		srv := apiserver.NewServer(apiPort, apiserver.RunnerController{Runner: r}, logger)
		if err := srv.Start(); err != nil {
			logger.Warn("api server failed to start", "error", err)
		}
	}

	if cfg.Distributed.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Distributed.RedisAddr,
			Password: cfg.Distributed.RedisPassword,
			DB:       cfg.Distributed.RedisDB,
		})
		nodeID := cfg.Distributed.NodeID
		if nodeID == "" {
			nodeID = fmt.Sprintf("node-%d", os.Getpid())
		}
		coord := distributed.New(client, nodeID, "", cfg.Distributed.GraceWindow, logger)
		go coord.Run(ctx, cfg.Distributed.GraceWindow/3, func() map[string]any {
			stats := r.Stats()
			if s, ok := stats[sp.Name()]; ok {
				return s
			}
			return nil
		})
		defer coord.Deregister()
	}

	logger.Info("starting crawl", "seeds", args, "depth", cfg.Engine.MaxDepth, "concurrency", cfg.Engine.Concurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("pausing on SIGUSR1")
				r.Pause()
			case syscall.SIGUSR2:
				logger.Info("resuming on SIGUSR2")
				r.Resume()
			}
		}
	}()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- r.RunMany(ctx, []spider.Spider{sp}) }()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		r.Stop()
	}()

	if err := <-errCh; err != nil {
		return fmt.Errorf("run: %w", err)
	}

	elapsed := time.Since(start)
	logger.Info("crawl complete", "elapsed", elapsed)
	return nil
}

// suggestSelectorsCmd fetches a page and proposes CSS selectors for
// elements containing the given text, for seeding a spider's
// extraction rules without hand-inspecting the page source.
func suggestSelectorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest-selectors <url> <text>",
		Short: "Fetch a page and suggest CSS selectors matching the given text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			req, err := types.NewRequest(args[0])
			if err != nil {
				return fmt.Errorf("invalid URL: %w", err)
			}

			f, err := fetcher.NewHTTPFetcher(cfg, logger)
			if err != nil {
				return fmt.Errorf("create fetcher: %w", err)
			}
			defer f.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.RequestTimeout)
			defer cancel()
			resp, err := f.Fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}

			gen := parser.NewAutoSelectorGenerator(logger)
			candidates, err := gen.GenerateForText(resp, args[1])
			if err != nil {
				return fmt.Errorf("generate selectors: %w", err)
			}
			if len(candidates) == 0 {
				fmt.Println("no matching elements found")
				return nil
			}
			for _, c := range candidates {
				fmt.Printf("%-40s  matches=%-4d score=%.2f\n", c.Selector, c.MatchCount, c.Score)
			}
			return nil
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crawlkit %s\n", config.Version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Engine:\n")
			fmt.Printf("  Concurrency:       %d\n", cfg.Engine.Concurrency)
			fmt.Printf("  Max Depth:         %d\n", cfg.Engine.MaxDepth)
			fmt.Printf("  Request Timeout:   %s\n", cfg.Engine.RequestTimeout)
			fmt.Printf("  Max Retries:       %d\n", cfg.Engine.MaxRetries)
			fmt.Printf("\nScheduler:\n")
			fmt.Printf("  Filter:            %s\n", cfg.Scheduler.DuplicateFilterImpl)
			fmt.Printf("  Container:         %s\n", cfg.Scheduler.SchedulerContainerImpl)
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Type:              %s\n", cfg.Fetcher.Type)
			fmt.Printf("  Follow Redirects:  %v\n", cfg.Fetcher.FollowRedirects)
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:              %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:       %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			fmt.Printf("\nDistributed:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Distributed.Enabled)
			fmt.Printf("  Redis Addr:        %s\n", cfg.Distributed.RedisAddr)
			return nil
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func applyCLIOverrides(cfg *config.Config) {
	cfg.Engine.MaxDepth = depth
	if concurrent > 0 {
		cfg.Engine.Concurrency = concurrent
	}
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
	}
	if outputType != "" {
		cfg.Storage.Type = strings.ToLower(outputType)
	}
	if maxRequests > 0 {
		cfg.Engine.MaxRequests = maxRequests
	}
	if maxRetries >= 0 {
		cfg.Engine.MaxRetries = maxRetries
	}
	if allowedDoms != "" {
		var domains []string
		for _, d := range strings.Split(allowedDoms, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		cfg.Engine.AllowedDomains = domains
	}
}
