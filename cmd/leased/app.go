package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/leased"
	"pkt.systems/leased/lease"
)

const appVersion = "0.1.0"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LEASED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "leased")

	ctx = withSignalCancel(ctx)
	cmd := newRootCommand(baseLogger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}

type appState struct {
	logger pslog.Logger
	v      *viper.Viper
}

func (a *appState) open(ctx context.Context) (*leased.Client, error) {
	cfg, err := leased.LoadConfig(a.v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if store := a.v.GetString("store"); store != "" {
		cfg.Store = store
	}
	if owner := a.v.GetString("owner"); owner != "" {
		cfg.Owner = owner
	}
	if chaosFile := a.v.GetString("chaos-file"); chaosFile != "" {
		cfg.ChaosFile = chaosFile
	}
	return leased.Open(ctx, cfg, leased.Options{Logger: a.logger})
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	app := &appState{logger: logger, v: viper.New()}
	root := &cobra.Command{
		Use:           "leased",
		Short:         "Distributed mutual-exclusion leases with fencing tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindGlobalFlags(app.v, root.PersistentFlags())

	root.AddCommand(
		newAcquireCommand(app),
		newRenewCommand(app),
		newReleaseCommand(app),
		newBreakCommand(app),
		newHoldCommand(app),
		newVersionCommand(),
	)
	return root
}

func bindGlobalFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("config", "", "path to leased.yaml")
	flags.String("store", "", "store URL (mem://, disk:///path, s3://bucket/prefix, azure://container/prefix)")
	flags.String("owner", "", "contender identity stamped on acquired leases")
	flags.String("chaos-file", "", "path to chaos layer yaml")
	v.SetEnvPrefix("LEASED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

func newAcquireCommand(app *appState) *cobra.Command {
	var hold time.Duration
	var out string
	cmd := &cobra.Command{
		Use:   "acquire <key>",
		Short: "Acquire an exclusive lease and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			l, err := client.Acquire(ctx, args[0], hold)
			if err != nil {
				var conflict *lease.ConflictError
				if errors.As(err, &conflict) {
					return fmt.Errorf("%s is held by %s until %s (retry in %s)",
						conflict.Key, conflict.Owner,
						humanize.Time(conflict.ExpiresAt),
						conflict.RetryAfter.Round(time.Millisecond))
				}
				return err
			}
			if err := writeLease(l, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired %s with fencing token %d, expires %s\n",
				l.Key, l.FencingToken, humanize.Time(l.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "hold duration (provider default when zero)")
	cmd.Flags().StringVar(&out, "lease-file", "", "write the lease JSON here instead of stdout")
	return cmd
}

func newRenewCommand(app *appState) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Extend a previously acquired lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l, err := readLease(in)
			if err != nil {
				return err
			}
			client, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			renewed, err := client.Renew(ctx, l)
			if err != nil {
				return explainLost(err)
			}
			if err := writeLease(renewed, in); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renewed %s, expires %s\n",
				renewed.Key, humanize.Time(renewed.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "lease-file", "", "lease JSON written by acquire (stdin when empty)")
	return cmd
}

func newReleaseCommand(app *appState) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Relinquish a lease before expiry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l, err := readLease(in)
			if err != nil {
				return err
			}
			client, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Release(ctx, l); err != nil {
				return explainLost(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", l.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "lease-file", "", "lease JSON written by acquire (stdin when empty)")
	return cmd
}

func newBreakCommand(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "break <key>",
		Short: "Force-expire whatever lease covers the key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Break(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "broke lease on %s\n", args[0])
			return nil
		},
	}
}

func newHoldCommand(app *appState) *cobra.Command {
	var hold time.Duration
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "hold <key>",
		Short: "Acquire a lease and keep renewing it until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			l, err := client.Acquire(ctx, args[0], hold)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "holding %s with fencing token %d, renewing every %s\n",
				l.Key, l.FencingToken, interval)
			ticker := time.NewTicker(renewInterval(l, interval))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := client.Release(releaseCtx, l); err != nil {
						return explainLost(err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", l.Key)
					return nil
				case <-ticker.C:
					renewed, err := client.Renew(ctx, l)
					if err != nil {
						return explainLost(err)
					}
					l = renewed
				}
			}
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "hold duration (provider default when zero)")
	cmd.Flags().DurationVar(&interval, "renew-interval", 0, "renew cadence (a third of the remaining ttl when zero)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the leased version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leased %s\n", appVersion)
		},
	}
}

func renewInterval(l *lease.Lease, configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if rem := l.Remaining(time.Now()) / 3; rem > time.Second {
		return rem
	}
	return time.Second
}

func explainLost(err error) error {
	var lost *lease.LostError
	if errors.As(err, &lost) {
		return fmt.Errorf("lease on %s lost: %s; re-acquire to continue", lost.Key, lost.Reason)
	}
	return err
}

func readLease(path string) (*lease.Lease, error) {
	var raw []byte
	var err error
	if strings.TrimSpace(path) == "" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	var l lease.Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &l, nil
}

func writeLease(l *lease.Lease, path string) error {
	raw, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		_, err = os.Stdout.Write(append(raw, '\n'))
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o600)
}
