package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxwire/broker-gateway/internal/relay"
	"github.com/fluxwire/broker-gateway/pkg/audit"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"github.com/fluxwire/broker-gateway/pkg/gateway"
	"github.com/fluxwire/broker-gateway/pkg/metrics"
	"github.com/fluxwire/broker-gateway/pkg/utils"
)

const disconnectTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Relay messages continuously from one broker backend to another",
	Long: `relayd consumes batches from the source broker and republishes every
message to the sink broker, optionally archiving each relayed message
to ClickHouse.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, err := cmd.Flags().GetBool("verbose")
		if err != nil {
			return fmt.Errorf("failed to get verbose: %w", err)
		}
		sourceType, err := cmd.Flags().GetString("source")
		if err != nil {
			return fmt.Errorf("failed to get source: %w", err)
		}
		sinkType, err := cmd.Flags().GetString("sink")
		if err != nil {
			return fmt.Errorf("failed to get sink: %w", err)
		}
		topics, err := cmd.Flags().GetStringSlice("topics")
		if err != nil {
			return fmt.Errorf("failed to get topics: %w", err)
		}
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return fmt.Errorf("failed to get interval: %w", err)
		}
		maxInFlight, err := cmd.Flags().GetInt64("max-in-flight")
		if err != nil {
			return fmt.Errorf("failed to get max in flight: %w", err)
		}
		metricsAddr, err := cmd.Flags().GetString("metrics-addr")
		if err != nil {
			return fmt.Errorf("failed to get metrics addr: %w", err)
		}
		auditEnabled, err := cmd.Flags().GetBool("audit")
		if err != nil {
			return fmt.Errorf("failed to get audit: %w", err)
		}

		sugar, err := utils.NewSugaredLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

		if len(topics) == 0 {
			return errors.New("at least one topic is required")
		}
		sugar.Infow("config",
			"source", sourceType,
			"sink", sinkType,
			"topics", topics,
			"interval", interval,
			"maxInFlight", maxInFlight,
			"metricsAddr", metricsAddr,
			"audit", auditEnabled,
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := prometheus.NewRegistry()
		m, err := metrics.New(registry)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		var connected atomic.Bool
		metricsServer := metrics.NewServer(metricsAddr, registry, connected.Load)
		metricsErrCh := metricsServer.Start()
		defer func() {
			ctxS, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(ctxS); err != nil {
				sugar.Warnw("failed to shut down metrics server", "error", err)
			}
		}()

		provider := config.NewEnv(sugar)
		source, err := gateway.New(sourceType, provider, sugar.Named("source"), m)
		if err != nil {
			return fmt.Errorf("failed to build source gateway: %w", err)
		}
		sink, err := gateway.New(sinkType, provider, sugar.Named("sink"), m)
		if err != nil {
			return fmt.Errorf("failed to build sink gateway: %w", err)
		}

		if err := source.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect source: %w", err)
		}
		defer disconnect(sugar, source)
		if err := sink.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect sink: %w", err)
		}
		defer disconnect(sugar, sink)
		connected.Store(true)

		var archiver relay.Archiver
		if auditEnabled {
			auditCfg, err := audit.Load()
			if err != nil {
				return err
			}
			client, err := audit.New(auditCfg, sugar)
			if err != nil {
				return fmt.Errorf("failed to create audit client: %w", err)
			}
			defer client.Close() //nolint:errcheck // best-effort close on shutdown
			archiver, err = audit.NewRepository(client, auditCfg.Database, auditCfg.Table)
			if err != nil {
				return err
			}
		}

		r := relay.New(source, sink, archiver, sugar, relay.Config{
			Topics:      topics,
			Interval:    interval,
			MaxInFlight: maxInFlight,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return r.Run(gctx)
		})
		g.Go(func() error {
			select {
			case err := <-metricsErrCh:
				return err
			case <-gctx.Done():
				return nil
			}
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			return err
		}

		sugar.Info("shutting down")
		return nil
	},
}

func disconnect(sugar *zap.SugaredLogger, gw *gateway.Gateway) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := gw.Disconnect(ctx); err != nil {
		sugar.Warnw("failed to disconnect gateway", "broker", gw.Name(), "error", err)
	}
}

func init() {
	rootCmd.Flags().StringP("source", "s", "", "Broker type to consume from (amqp, sqs, kafka, redis)")
	rootCmd.Flags().StringP("sink", "k", "", "Broker type to publish to (amqp, sqs, kafka, redis)")
	rootCmd.Flags().StringSliceP("topics", "t", nil, "Topics to relay (comma-separated)")
	rootCmd.Flags().DurationP("interval", "i", 5*time.Second, "Interval between consume batches per topic")
	rootCmd.Flags().Int64P("max-in-flight", "m", 16, "Maximum concurrent publishes per topic")
	rootCmd.Flags().String("metrics-addr", ":9090", "Address for the Prometheus metrics endpoint")
	rootCmd.Flags().Bool("audit", false, "Archive every relayed message to ClickHouse")
	rootCmd.MarkFlagRequired("source") //nolint:errcheck // flag is registered above
	rootCmd.MarkFlagRequired("sink")   //nolint:errcheck // flag is registered above
	rootCmd.Flags().BoolP("verbose", "v", false, "Enable verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
