package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oicur0t/sqlaudit/internal/agent"
	"github.com/oicur0t/sqlaudit/internal/cache"
	"github.com/oicur0t/sqlaudit/internal/config"
	"github.com/oicur0t/sqlaudit/internal/delivery"
	"github.com/oicur0t/sqlaudit/internal/eventsource"
	"github.com/oicur0t/sqlaudit/internal/ledger"
	"github.com/oicur0t/sqlaudit/internal/status"
	"github.com/oicur0t/sqlaudit/pkg/mtls"
	"github.com/oicur0t/sqlaudit/pkg/retry"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Collect and deliver until interrupted",
		RunE:  runAgent,
	}
}

func newOnceCmd() *cobra.Command {
	var readyTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single collection tick and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := buildComponents(cfg, logger)
			if err != nil {
				return err
			}

			sourceCtx, cancelSource := context.WithCancel(ctx)
			defer cancelSource()
			go c.source.Start(sourceCtx)
			if err := waitReady(ctx, c.source, readyTimeout); err != nil {
				return err
			}

			result, err := c.loop.CollectNow(ctx)
			printJSON(cmd, result)
			if err != nil {
				return err
			}
			return result.Err()
		},
	}

	cmd.Flags().DurationVar(&readyTimeout, "ready-timeout", time.Minute, "Maximum time to read the event file backlog before collecting")
	return cmd
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop ledger entries older than ledger.retention_days",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			led := ledger.New(cfg.Ledger.Dir, logger)
			res, err := led.Compact(cfg.Ledger.StreamID, cfg.Ledger.RetentionDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: kept %d, removed %d\n", led.Path(cfg.Ledger.StreamID), res.Kept, res.Removed)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, or save it with --out",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if out != "" {
				if err := config.SaveAgentConfig(cfg, out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", out)
				return nil
			}

			data, err := config.Render(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the effective configuration to this file")
	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting sqlaudit-agent",
		zap.String("version", version),
		zap.String("api_url", cfg.API.URL),
		zap.String("event_source", cfg.EventSource.Path),
		zap.Int("streams", len(cfg.ActiveStreams())))

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.source.Start(ctx)
	})
	g.Go(func() error {
		// the first tick waits for the backlog
		if err := waitReady(ctx, c.source, 0); err != nil {
			return err
		}
		if err := c.loop.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		c.loop.Stop()
		return ctx.Err()
	})
	if addr := cfg.Status.ListenAddress; addr != "" {
		g.Go(func() error {
			return status.New(c.loop, logger).ListenAndServe(ctx, addr)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.Error("Agent stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Agent stopped gracefully")
	return nil
}

// waitReady blocks until the source has read its backlog. A zero timeout
// waits until ctx is done.
func waitReady(ctx context.Context, source *eventsource.FileSource, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-source.Ready():
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("event backlog not read within %s", timeout)
		}
		return ctx.Err()
	}
}

type components struct {
	source *eventsource.FileSource
	loop   *agent.Loop
}

func buildComponents(cfg *config.AgentConfig, logger *zap.Logger) (*components, error) {
	if cfg.EventSource.Path == "" {
		return nil, errors.New("event_source.path is required")
	}

	tlsConfig, err := mtls.LoadClientTLSConfig(
		cfg.MTLS.CACert,
		cfg.MTLS.ClientCert,
		cfg.MTLS.ClientKey,
		cfg.MTLS.ServerName,
		cfg.MTLS.InsecureSkipVerify,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS config: %w", err)
	}

	client := delivery.NewClient(delivery.ClientConfig{
		URL:       cfg.API.URL,
		Token:     cfg.API.Token,
		UserAgent: cfg.API.UserAgent,
		Timeout:   cfg.API.Timeout,
		Compress:  cfg.API.Compress,
		TLSConfig: tlsConfig,
		Retry: retry.Config{
			Enabled:    cfg.Retry.Enabled,
			MaxRetries: cfg.Retry.MaxRetries,
			Delay:      cfg.Retry.Delay,
			Multiplier: 1,
		},
	}, logger)

	source := eventsource.NewFileSource(
		[]eventsource.FileSpec{{Path: cfg.EventSource.Path}},
		cfg.EventSource.Retention,
		logger,
	)

	active := cfg.ActiveStreams()
	streams := make([]agent.Stream, 0, len(active))
	for _, s := range active {
		source.Declare(s.LogName)
		streams = append(streams, agent.Stream{
			Name:            s.Name,
			LogName:         s.LogName,
			Source:          s.Source,
			EventCodes:      s.EventCodes,
			MessageContains: s.MessageContains,
		})
	}

	loop := agent.New(agent.Config{
		StreamID:        cfg.Ledger.StreamID,
		Streams:         streams,
		PollInterval:    cfg.PollInterval,
		ErrorCooldown:   cfg.ErrorCooldown,
		LookbackDays:    cfg.Ledger.LookbackDays,
		RetentionDays:   cfg.Ledger.RetentionDays,
		CompactInterval: cfg.Ledger.CompactInterval,
	},
		source,
		ledger.New(cfg.Ledger.Dir, logger),
		delivery.NewSink(cfg.Batching.Size, client, logger),
		cache.NewRecent(cfg.Cache.Capacity),
		logger,
	)

	return &components{source: source, loop: loop}, nil
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
