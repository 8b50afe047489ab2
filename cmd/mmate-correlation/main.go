package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-correlation"
	"github.com/glimte/mmate-correlation/health"
	"github.com/glimte/mmate-correlation/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		rabbitURL  string
		verbose    bool
		cfg        config
	)

	rootCmd := &cobra.Command{
		Use:   "mmate-correlation",
		Short: "Send and receive correlated messages over RabbitMQ",
		Long: `mmate-correlation publishes and sends messages wrapped in correlation
envelopes, and listens for them with the correlation id bound to every log line.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				loaded.URL = rabbitURL
			}
			if verbose {
				loaded.LogLevel = slog.LevelDebug
			}
			cfg = loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", defaultURL, "RabbitMQ connection URL (overrides config and AMQP_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPublishCommand(&cfg),
		newSendCommand(&cfg),
		newListenCommand(&cfg),
		newHealthCommand(&cfg),
	)

	return rootCmd
}

// outbound holds the flags shared by publish and send
type outbound struct {
	correlationID string
	body          string
}

func (o *outbound) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.correlationID, "correlation-id", "", "Correlation id to attach (a new one is generated when empty)")
	cmd.Flags().StringVarP(&o.body, "body", "b", "{}", "JSON message body")
}

func (o *outbound) resolve() (string, json.RawMessage, error) {
	if !json.Valid([]byte(o.body)) {
		return "", nil, fmt.Errorf("body is not valid JSON")
	}
	id := o.correlationID
	if id == "" {
		id = uuid.NewString()
	}
	return id, json.RawMessage(o.body), nil
}

func newPublishCommand(cfg *config) *cobra.Command {
	var out outbound

	cmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish a correlated message to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, body, err := out.resolve()
			if err != nil {
				return err
			}

			client, err := newClient(*cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := messaging.Publish(cmd.Context(), client.Bus(), args[0], id, body); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published to %s with correlation id %s\n", args[0], id)
			return nil
		},
	}
	out.register(cmd)
	return cmd
}

func newSendCommand(cfg *config) *cobra.Command {
	var out outbound

	cmd := &cobra.Command{
		Use:   "send <queue>",
		Short: "Send a correlated message to a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, body, err := out.resolve()
			if err != nil {
				return err
			}

			client, err := newClient(*cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := messaging.Send(cmd.Context(), client.Bus(), args[0], id, body); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s with correlation id %s\n", args[0], id)
			return nil
		},
	}
	out.register(cmd)
	return cmd
}

func newListenCommand(cfg *config) *cobra.Command {
	var (
		queue          string
		topic          string
		subscriptionID string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log correlated messages from a queue or topic until interrupted",
		Long: `Listen receives from --queue exclusively, or subscribes to --topic under
--subscription. Every message is logged with its correlation id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (queue == "") == (topic == "") {
				return fmt.Errorf("exactly one of --queue or --topic is required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := newClient(*cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			logger := client.Logger()
			onBody := func(ctx context.Context, body json.RawMessage) error {
				logger.InfoContext(ctx, "message received", "body", string(body))
				return nil
			}

			var reg messaging.Registration
			if queue != "" {
				reg, err = messaging.Receive(ctx, client.Bus(), queue, onBody, nil, client.Options()...)
			} else {
				reg, err = messaging.Subscribe(ctx, client.Bus(), subscriptionID, onBody, nil,
					client.Options(
						messaging.WithTopic(topic),
						messaging.WithPrefetchCount(cfg.Prefetch),
					)...)
			}
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			defer reg.Cancel()

			logger.Info("listening, press Ctrl+C to stop", "queue", queue, "topic", topic)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to receive from")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic to subscribe to")
	cmd.Flags().StringVarP(&subscriptionID, "subscription", "s", "mmate-correlation", "Subscription id for --topic")
	return cmd
}

func newHealthCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "health [queue...]",
		Short: "Check the broker connection and optionally some queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(*cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			report := client.Health(cmd.Context(), args...)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
}

func newClient(cfg config) (*mmate.Client, error) {
	return mmate.NewClientWithOptions(cfg.URL,
		mmate.WithLogger(cfg.logger(os.Stderr)),
		mmate.WithServiceName(cfg.ServiceName),
		mmate.WithScopeKey(cfg.ScopeKey),
		mmate.WithPrefetchCount(cfg.Prefetch),
		mmate.WithDeadLetterExchange(cfg.DeadLetterExchange),
	)
}
