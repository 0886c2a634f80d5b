package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/murray-ux/wheel/pkg/audit"
	"github.com/murray-ux/wheel/pkg/config"
	"github.com/murray-ux/wheel/pkg/crypto"
	"github.com/murray-ux/wheel/pkg/observability"
	"github.com/murray-ux/wheel/pkg/pdp"
	"github.com/murray-ux/wheel/pkg/wheel"
)

// stack is the set of collaborators a command runs with.
type stack struct {
	cfg       *config.Config
	logger    *slog.Logger
	evaluator pdp.Evaluator
	auditor   audit.Service
	keyring   *crypto.Keyring
	telemetry *observability.Provider
	closers   []func() error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// newEvaluator picks OPA when a URL is configured, otherwise the policy
// file. With neither, everything is denied.
func newEvaluator(cfg *config.Config) (pdp.Evaluator, error) {
	switch {
	case cfg.OPAURL != "":
		return pdp.NewOPA(pdp.OPAConfig{URL: cfg.OPAURL}), nil
	case cfg.PolicyFile != "":
		rs, err := pdp.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return pdp.DenyAll("", "no policy configured"), nil
	}
}

func newKeyring(cfg *config.Config) (*crypto.Keyring, error) {
	if cfg.SigningSeed == "" {
		return nil, nil
	}
	return crypto.NewKeyringFromSecret([]byte(cfg.SigningSeed), cfg.SigningKeyID)
}

// openSinks builds the configured audit sinks. The returned closers
// release every sink that was opened, even on error.
func openSinks(ctx context.Context, cfg *config.Config) (audit.Service, []func() error, error) {
	var (
		sinks   audit.Fanout
		closers []func() error
	)
	for _, kind := range cfg.Sinks() {
		switch kind {
		case config.SinkMemory:
			sinks = append(sinks, audit.NewMemorySink())
		case config.SinkJSONL:
			s, err := audit.OpenJSONLFile(cfg.AuditPath)
			if err != nil {
				return nil, closers, err
			}
			sinks, closers = append(sinks, s), append(closers, s.Close)
		case config.SinkSQLite:
			s, err := audit.OpenSQLite(cfg.AuditPath)
			if err != nil {
				return nil, closers, err
			}
			sinks, closers = append(sinks, s), append(closers, s.Close)
		case config.SinkPostgres:
			s, err := audit.OpenPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, closers, err
			}
			sinks, closers = append(sinks, s), append(closers, s.Close)
		case config.SinkRedis:
			s := audit.NewRedisSink(cfg.RedisAddr, "", 0, audit.DefaultStream, 0)
			closers = append(closers, s.Close)
			if err := s.Ping(ctx); err != nil {
				return nil, closers, fmt.Errorf("audit: redis %s: %w", cfg.RedisAddr, err)
			}
			sinks = append(sinks, s)
		default:
			return nil, closers, fmt.Errorf("audit: unknown sink %q", kind)
		}
	}
	if len(sinks) == 0 {
		return nil, closers, errors.New("audit: no sink configured")
	}

	var svc audit.Service = sinks
	if len(sinks) == 1 {
		svc = sinks[0]
	}
	if cfg.AuditRate > 0 {
		svc = audit.NewRateLimited(svc, cfg.AuditRate, cfg.AuditBurst)
	}
	return svc, closers, nil
}

// loadStack builds everything a spin needs from the environment.
func loadStack(ctx context.Context, stderr io.Writer) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	st := &stack{cfg: cfg, logger: newLogger(cfg, stderr)}

	if st.evaluator, err = newEvaluator(cfg); err != nil {
		return nil, err
	}
	if st.keyring, err = newKeyring(cfg); err != nil {
		return nil, err
	}

	auditor, closers, err := openSinks(ctx, cfg)
	st.closers = append(st.closers, closers...)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	st.auditor = auditor

	if cfg.OTLPEndpoint != "" {
		oc := observability.DefaultConfig()
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		p, err := observability.New(ctx, oc)
		if err != nil {
			st.logger.Warn("telemetry disabled", "error", err)
		} else {
			st.telemetry = p
		}
	}
	return st, nil
}

func (st *stack) wheel() *wheel.Wheel {
	opts := []wheel.Option{wheel.WithLogger(st.logger)}
	if st.telemetry != nil {
		opts = append(opts, wheel.WithTracer(st.telemetry.Tracer()), wheel.WithMeter(st.telemetry.Meter()))
	}
	if st.keyring != nil {
		opts = append(opts, wheel.WithSigner(st.keyring))
	}
	return wheel.New(st.evaluator, st.auditor, opts...)
}

// Close flushes telemetry and closes audit sinks.
func (st *stack) Close(ctx context.Context) error {
	var errs []error
	if st.telemetry != nil {
		errs = append(errs, st.telemetry.Shutdown(ctx))
	}
	for i := len(st.closers) - 1; i >= 0; i-- {
		errs = append(errs, st.closers[i]())
	}
	return errors.Join(errs...)
}
