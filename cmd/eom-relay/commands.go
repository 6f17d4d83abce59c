package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"eom-relay/internal/api"
	"eom-relay/internal/config"
	"eom-relay/internal/content"
	"eom-relay/internal/delivery"
	"eom-relay/internal/sources/wordpress"
	"eom-relay/internal/sync"
)

type rootOptions struct {
	configPath string
	dryRun     bool
	logLevel   string

	cfg      *config.Config
	log      zerolog.Logger
	closeLog func()
}

// newRootOptions returns options whose logger writes to stderr until the
// config has been loaded.
func newRootOptions() *rootOptions {
	return &rootOptions{
		log:      zerolog.New(os.Stderr).With().Timestamp().Logger(),
		closeLog: func() {},
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eom-relay",
		Short: "Relay new El Orden Mundial articles to a read-later inbox",
		Long: `Fetch articles published since the last run from the WordPress API,
skip the ones already delivered and e-mail the rest to the read-later inbox.

Meant to be run periodically by cron or a systemd timer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "compose emails without sending them or saving state")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newCheckCommand(opts), newTestEmailCommand(opts))
	return cmd
}

// close releases the log file opened by load, on success and failure alike.
func (o *rootOptions) close() {
	o.closeLog()
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = o.dryRun
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	o.log, o.closeLog = setupLogging(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	return nil
}

func (o *rootOptions) newChannel() *delivery.Channel {
	return delivery.New(o.cfg.Delivery, o.cfg.Source.SiteName, o.cfg.DryRun, o.log)
}

func runSync(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg

	// A dead SMTP server would fail every item; stop before the state is touched.
	if !cfg.DryRun {
		if err := opts.newChannel().TestConnectivity(ctx); err != nil {
			return fmt.Errorf("smtp connection check failed: %w", err)
		}
	}

	store := sync.NewStore(cfg.State.Path, opts.log, sync.WithHysteresis(cfg.Sync.Hysteresis))
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()
	store.Load()

	manager := sync.NewManager(
		store,
		wordpress.New(cfg.Source, opts.log),
		content.NewTransformer(opts.log),
		opts.newChannel(),
		sync.Options{
			ProcessOpen:    cfg.Sync.OpenContent(),
			ProcessPremium: cfg.Sync.ProcessPremium,
			FetchLimit:     cfg.Sync.FetchLimit,
			Pacing:         cfg.Sync.Pacing(),
			Retention:      cfg.Sync.Retention,
			DryRun:         cfg.DryRun,
		},
		opts.log,
	)

	report, err := manager.Run(ctx)
	if err != nil {
		return err
	}
	opts.log.Info().
		Int("fetched", report.Fetched).
		Int("delivered", report.Delivered).
		Int("failed", report.Attempted-report.Delivered).
		Int("skipped", report.Skipped).
		Msg("Run complete")
	return nil
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check API and SMTP connectivity and print state statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, opts)
		},
	}
}

func runCheck(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	cfg := opts.cfg
	out := cmd.OutOrStdout()
	var errs []error

	source := wordpress.New(cfg.Source, opts.log)
	if err := source.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
		fmt.Fprintf(out, "API %s: FAILED (%v)\n", cfg.Source.BaseURL, err)
	} else {
		fmt.Fprintf(out, "API %s: ok\n", cfg.Source.BaseURL)

		posts, err := source.FetchRecent(ctx, 5)
		if err != nil {
			errs = append(errs, fmt.Errorf("recent posts: %w", err))
		} else {
			var open, premium int
			for _, p := range posts {
				if source.ClassifyAccess(p) == api.AccessPremium {
					premium++
				} else {
					open++
				}
			}
			fmt.Fprintf(out, "Recent posts: %d (%d open, %d premium)\n", len(posts), open, premium)
		}
	}

	if err := opts.newChannel().TestConnectivity(ctx); err != nil {
		errs = append(errs, fmt.Errorf("smtp: %w", err))
		fmt.Fprintf(out, "SMTP %s:%d: FAILED (%v)\n", cfg.Delivery.SMTPServer, cfg.Delivery.SMTPPort, err)
	} else {
		fmt.Fprintf(out, "SMTP %s:%d: ok\n", cfg.Delivery.SMTPServer, cfg.Delivery.SMTPPort)
	}

	// Read-only: the state is loaded for its statistics and never saved here.
	store := sync.NewStore(cfg.State.Path, opts.log)
	store.Load()
	stats := store.Stats()
	fmt.Fprintf(out, "State %s:\n", cfg.State.Path)
	fmt.Fprintf(out, "  total processed:   %d\n", stats.TotalProcessed)
	fmt.Fprintf(out, "  tracked ids:       %d\n", stats.UniqueTracked)
	fmt.Fprintf(out, "  last check:        %s\n", stats.LastCheck.Format("2006-01-02 15:04:05 MST"))
	if stats.LastSuccessfulRun.IsZero() {
		fmt.Fprintf(out, "  last success:      never\n")
	} else {
		fmt.Fprintf(out, "  last success:      %s\n", stats.LastSuccessfulRun.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(out, "  errors:            %d\n", stats.ErrorsCount)

	return errors.Join(errs...)
}

func newTestEmailCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-email",
		Short: "Send a test email to the configured inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.newChannel().SendTest(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Test email sent to %s\n", opts.cfg.Delivery.Destination)
			return nil
		},
	}
}
