// Package logging decorates a lease.Provider with structured logging and
// OpenTelemetry spans. The decorator changes no semantics; it only
// observes.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/leased/internal/correlation"
	"pkt.systems/leased/lease"
)

type provider struct {
	inner  lease.Provider
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging. sys names the backing
// store for log and span attribution.
func Wrap(inner lease.Provider, logger pslog.Logger, sys string) lease.Provider {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &provider{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/leased/lease"),
		sys:    sys,
	}
}

func (p *provider) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := p.tracer.Start(ctx, "leased.lease."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("leased.lease.operation", op),
		attribute.String("leased.lease.key", key),
		attribute.String("leased.sys", p.sys),
	)
	span.AddEvent("leased.lease.begin")

	logger := p.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("leased.correlation_id", corr))
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lease_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("leased.lease.end", trace.WithAttributes(
			attribute.String("leased.lease.result", result),
			attribute.Int64("leased.lease.duration_ms", duration),
		))
	}
}

func (p *provider) Acquire(ctx context.Context, key string, hold time.Duration) (*lease.Lease, error) {
	ctx, span, logger, begin, finish := p.start(ctx, "acquire", key)
	defer span.End()

	logger.Trace("lease.acquire.begin", "key", key, "hold", hold)
	l, err := p.inner.Acquire(ctx, key, hold)
	if err != nil {
		finish("error", err)
		logger.Debug("lease.acquire.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("leased.lease.fencing_token", l.FencingToken),
		attribute.String("leased.lease.owner", l.Owner),
	)
	finish("ok", nil)
	logger.Debug("lease.acquire.success",
		"key", key,
		"fencing", l.FencingToken,
		"owner", l.Owner,
		"expires_at", l.ExpiresAt,
		"elapsed", time.Since(begin),
	)
	return l, nil
}

func (p *provider) Renew(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	key := ""
	if l != nil {
		key = l.Key
	}
	ctx, span, logger, begin, finish := p.start(ctx, "renew", key)
	defer span.End()

	renewed, err := p.inner.Renew(ctx, l)
	if err != nil {
		finish("error", err)
		logger.Debug("lease.renew.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("leased.lease.fencing_token", renewed.FencingToken))
	finish("ok", nil)
	logger.Debug("lease.renew.success",
		"key", key,
		"fencing", renewed.FencingToken,
		"expires_at", renewed.ExpiresAt,
		"elapsed", time.Since(begin),
	)
	return renewed, nil
}

func (p *provider) Release(ctx context.Context, l *lease.Lease) error {
	key := ""
	if l != nil {
		key = l.Key
	}
	ctx, span, logger, begin, finish := p.start(ctx, "release", key)
	defer span.End()

	if err := p.inner.Release(ctx, l); err != nil {
		finish("error", err)
		logger.Debug("lease.release.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Debug("lease.release.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (p *provider) Break(ctx context.Context, key string) error {
	ctx, span, logger, begin, finish := p.start(ctx, "break", key)
	defer span.End()

	if err := p.inner.Break(ctx, key); err != nil {
		finish("error", err)
		logger.Debug("lease.break.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Warn("lease.break.success", "key", key, "elapsed", time.Since(begin))
	return nil
}
