package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blukai/vurcon/internal/rconclient"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
)

func eventsCmd(opts *options) *cobra.Command {
	var (
		retries int
		backoff time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print server events",
		Long: `Log in, enable events and print every event the server sends
until interrupted. Only the first --target is used.

When the connection drops it is re-established; rconctl gives up after
--retries failed attempts in a row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), opts, retries, backoff)
		},
	}

	cmd.Flags().IntVar(&retries, "retries", 3, "Failed reconnect attempts in a row before giving up")
	cmd.Flags().DurationVar(&backoff, "backoff", 2*time.Second, "Pause before each reconnect")

	return cmd
}

func runEvents(ctx context.Context, opts *options, retries int, backoff time.Duration) error {
	targets, err := opts.parseTargets()
	if err != nil {
		return err
	}
	target := targets[0]

	cfg, logger, stop := opts.setup()
	defer stop()

	client, err := rconclient.DialTarget(ctx, target, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.EnableEvents(ctx); err != nil {
		return err
	}
	logger.Info().Msgf("following events of %s", client.Addr())

	for {
		followEvents(ctx, client)
		if ctx.Err() != nil {
			logger.Info().Msg("interrupted")
			return nil
		}

		if err := reconnectWithRetries(ctx, logger, client, retries, backoff); err != nil {
			return err
		}
		if ctx.Err() != nil {
			logger.Info().Msg("interrupted")
			return nil
		}
	}
}

// reconnectWithRetries re-establishes the connection, giving up after retries
// failed attempts in a row.
func reconnectWithRetries(ctx context.Context, logger *log.Logger, client *rconclient.Client, retries int, backoff time.Duration) error {
	cause := client.Err()
	for attempt := 1; attempt <= retries; attempt++ {
		logger.Warn().
			Int("attempt", attempt).
			Int("retries", retries).
			Msgf("connection lost (%v), reconnecting", cause)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		err := reconnect(ctx, client)
		if err == nil {
			return nil
		}
		logger.Error().Msgf("could not reconnect: %v", err)
		cause = err
	}
	return fmt.Errorf("connection to %s lost: %w", client.Addr(), cause)
}

func reconnect(ctx context.Context, client *rconclient.Client) error {
	if err := client.Reconnect(ctx); err != nil {
		return err
	}
	return client.EnableEvents(ctx)
}

// followEvents prints events until the connection goes away or ctx is done.
func followEvents(ctx context.Context, client *rconclient.Client) {
	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintln(os.Stdout, strings.Join(event.Words, " "))
		}
	}
}
