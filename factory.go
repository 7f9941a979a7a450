package leased

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/leased/chaos"
	"pkt.systems/leased/internal/clock"
	"pkt.systems/leased/internal/core"
	"pkt.systems/leased/internal/storage"
	azurestore "pkt.systems/leased/internal/storage/azure"
	"pkt.systems/leased/internal/storage/disk"
	"pkt.systems/leased/internal/storage/memory"
	"pkt.systems/leased/internal/storage/retry"
	"pkt.systems/leased/internal/storage/s3"
	"pkt.systems/leased/lease"
	leaselog "pkt.systems/leased/lease/logging"
)

// Client is an assembled lease provider pipeline plus its backend handle.
type Client struct {
	lease.Provider
	backend storage.Backend
	chaos   *chaos.Provider
}

// Chaos returns the fault decorator, or nil when fault injection is
// disabled. Useful for swapping policies or resetting state in tests.
func (c *Client) Chaos() *chaos.Provider { return c.chaos }

// Close releases the backend connection.
func (c *Client) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// Options adjust pipeline assembly beyond what Config expresses.
type Options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	// Registry receives chaos metrics when the chaos configuration lists
	// the metrics observer. Defaults to the prometheus default registry.
	Registry prometheus.Registerer
}

// Open assembles backend, retry, lease core, logging and, when
// configured, the chaos decorator.
func Open(ctx context.Context, cfg Config, opts Options) (*Client, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	backend, sys, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	wrapped := retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})

	provider, err := core.New(core.Config{
		Store:          wrapped,
		Owner:          cfg.Owner,
		DefaultTTL:     cfg.DefaultTTL,
		MaxTTL:         cfg.MaxTTL,
		RenewExtension: cfg.RenewExtension,
		AcquireBlock:   cfg.AcquireBlock,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	pipeline := leaselog.Wrap(provider, logger, sys)

	client := &Client{Provider: pipeline, backend: backend}
	if cfg.ChaosFile != "" {
		chaosCfg, err := chaos.LoadConfig(cfg.ChaosFile)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		if err := installChaos(client, chaosCfg, logger, opts.Registry); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	logger.Info("leased.open", "store", sys, "chaos", client.chaos != nil)
	return client, nil
}

// OpenWithChaos is Open with an in-process chaos configuration instead of
// a file reference.
func OpenWithChaos(ctx context.Context, cfg Config, chaosCfg *chaos.Config, opts Options) (*Client, error) {
	cfg.ChaosFile = ""
	client, err := Open(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if chaosCfg != nil {
		logger := opts.Logger
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		if err := installChaos(client, chaosCfg, logger, opts.Registry); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

// installChaos wraps the client pipeline with the fault decorator. A
// disabled configuration leaves the pipeline untouched so decorated and
// undecorated calls stay bit-for-bit identical.
func installChaos(client *Client, cfg *chaos.Config, logger pslog.Logger, reg prometheus.Registerer) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	policy, strategies, err := cfg.Build()
	if err != nil {
		return err
	}
	opts := make([]chaos.Option, 0, len(cfg.Observers))
	for _, sink := range cfg.Observers {
		switch sink {
		case "log":
			opts = append(opts, chaos.WithObserver(chaos.NewLogObserver(logger)))
		case "metrics":
			if reg == nil {
				reg = prometheus.DefaultRegisterer
			}
			m, err := chaos.NewMetricsObserver(reg)
			if err != nil {
				return err
			}
			opts = append(opts, chaos.WithObserver(m))
		default:
			return fmt.Errorf("leased: unknown chaos observer %q", sink)
		}
	}
	client.chaos = chaos.Wrap(client.Provider, policy, strategies, opts...)
	client.Provider = client.chaos
	return nil
}

func openBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return memory.New(), "memory", nil
	case "disk":
		root := u.Path
		if u.Host != "" {
			root = path.Join(u.Host, u.Path)
		}
		backend, err := disk.New(disk.Config{Root: root, Logger: logger})
		if err != nil {
			return nil, "", err
		}
		return backend, "disk", nil
	case "s3":
		bucket := u.Host
		prefix := strings.Trim(u.Path, "/")
		backend, err := s3.New(s3.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         bucket,
			Prefix:         prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Insecure:       cfg.S3.Insecure,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Logger:         logger,
		})
		if err != nil {
			return nil, "", err
		}
		if err := probeBackend(ctx, backend); err != nil {
			_ = backend.Close()
			return nil, "", err
		}
		return backend, "s3", nil
	case "azure":
		container := u.Host
		prefix := strings.Trim(u.Path, "/")
		backend, err := azurestore.New(azurestore.Config{
			Account:    cfg.Azure.Account,
			AccountKey: cfg.Azure.AccountKey,
			Endpoint:   cfg.Azure.Endpoint,
			SASToken:   cfg.Azure.SASToken,
			Container:  container,
			Prefix:     prefix,
		})
		if err != nil {
			return nil, "", err
		}
		if err := probeBackend(ctx, backend); err != nil {
			_ = backend.Close()
			return nil, "", err
		}
		return backend, "azure", nil
	default:
		return nil, "", fmt.Errorf("unknown store scheme %q", u.Scheme)
	}
}

// probeBackend verifies reachability before the pipeline goes live.
func probeBackend(ctx context.Context, backend storage.Backend) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := backend.ListKeys(ctx); err != nil {
		return fmt.Errorf("object store probe: %w", err)
	}
	return nil
}
