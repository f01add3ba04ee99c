package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshmon/internal/config"
	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/observability"
	"meshmon/internal/replay"
	"meshmon/internal/storage"
)

var (
	replaySource  string
	replayStartID int64
	replayEndID   int64
	replayLimit   int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-ingest captured raw envelopes from another database",
	Long: `Reads raw envelope payloads from the messages table of the source
database and runs them through the decoder and hop estimator into the
configured database. Only rows captured with store_raw_payload can be
replayed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replaySource == "" {
			return fmt.Errorf("--source is required")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.New(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := observability.NewLogger(cfg.LogLevel)

		db, err := storage.Open(cfg.DatabaseFile, storage.WithDBLogger(logger))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		store, err := storage.NewStore(db,
			storage.StoreConfig{
				MaxMessages:     cfg.MessageCacheSize,
				HydrateMessages: cfg.StartupMessageLoad,
			},
			storage.WithStoreLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		if cfg.SelfLatitude != nil && cfg.SelfLongitude != nil {
			store.SetSelfPosition(*cfg.SelfLatitude, *cfg.SelfLongitude)
		}

		estimator := hop.New(hop.Config{DefaultMaxHops: cfg.DefaultMaxHops}, hop.WithLogger(logger))
		decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{StoreRaw: cfg.StoreRawPayload})

		count, err := replay.ReplaySQLite(ctx, replaySource, decoder, estimator, store, replay.Options{
			StartID: replayStartID,
			EndID:   replayEndID,
			Limit:   replayLimit,
		})
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}

		logger.Info("replay complete",
			slog.String("source", replaySource),
			slog.Int("messages", count),
		)
		fmt.Printf("replayed %d messages from %s\n", count, replaySource)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySource, "source", "", "source database with raw envelope payloads")
	replayCmd.Flags().Int64Var(&replayStartID, "start-id", 0, "first message id to replay")
	replayCmd.Flags().Int64Var(&replayEndID, "end-id", 0, "last message id to replay")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "maximum number of messages to replay")
}
