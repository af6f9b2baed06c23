// Command eventhub is a thin operational CLI around the event hub client
// library: apply schema migrations, publish one-off events, and run a
// printing subscriber for a set of event types.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oim-wa/eventhub/pkg/database"
	"github.com/oim-wa/eventhub/pkg/eventhub"
	"github.com/oim-wa/eventhub/pkg/models"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "eventhub",
		Short:         "Postgres-backed publish/subscribe event hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// An optional .env at the process root is honored.
			if err := godotenv.Load(); err == nil {
				slog.Info("loaded environment from .env")
			}
		},
	}
	root.AddCommand(migrateCmd(), publishCmd(), listenCmd())
	return root
}

func openClient(ctx context.Context) (*database.Client, error) {
	cfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return database.NewClient(ctx, cfg)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := database.LoadConfigFromEnv()
			if err != nil {
				return err
			}
			if err := database.Migrate(cfg.DSN); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "publish <publisher> <event-type>",
		Short: "Publish one event with a JSON payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			pub, err := eventhub.NewPublisher(ctx, db, args[0], args[1])
			if err != nil {
				return err
			}
			event, err := pub.Publish(ctx, json.RawMessage(payload))
			if err != nil {
				return err
			}
			slog.Info("published", "channel", event.Channel(), "event_id", event.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "JSON payload to publish")
	return cmd
}

func listenCmd() *cobra.Command {
	var subscriber string
	var category int
	cmd := &cobra.Command{
		Use:   "listen <event-type>...",
		Short: "Subscribe to event types and log incoming events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			sub, err := eventhub.NewSubscriber(ctx, db, subscriber,
				eventhub.WithCategory(models.Category(category)))
			if err != nil {
				return err
			}
			sub.Start(ctx)
			for _, name := range args {
				if _, _, err := sub.Subscribe(ctx, name, eventhub.PrintEvent); err != nil {
					return err
				}
			}

			<-ctx.Done()
			slog.Info("shutting down")
			sub.Shutdown()
			return sub.Close(context.Background())
		},
	}
	cmd.Flags().StringVarP(&subscriber, "subscriber", "s", "eventhub-cli", "subscriber name")
	cmd.Flags().IntVar(&category, "category", int(models.Testing), "subscription category")
	return cmd
}
