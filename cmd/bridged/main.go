// Command bridged runs the Lighthouse Bridge (C11): it opens the event
// store, wires every subsystem, and serves the Control/Coordination HTTP +
// WebSocket API (spec.md §6a).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tachyon-beep/lighthouse-sub002/authz"
	"github.com/tachyon-beep/lighthouse-sub002/bridge"
	"github.com/tachyon-beep/lighthouse-sub002/dispatch"
	"github.com/tachyon-beep/lighthouse-sub002/eventstore"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/config"
	lhlog "github.com/tachyon-beep/lighthouse-sub002/infrastructure/logging"
	lhmetrics "github.com/tachyon-beep/lighthouse-sub002/infrastructure/metrics"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/runtime"
)

// Exit codes (spec.md §6c).
const (
	exitOK               = 0
	exitConfigError      = 64
	exitServiceUnavailable = 69
	exitPermissionDenied = 77
	exitTemporaryFailure = 75
)

func fatalConfig(logger *lhlog.Logger, format string, args ...any) {
	logger.Error(context.Background(), fmt.Sprintf(format, args...), nil, nil)
	os.Exit(exitConfigError)
}

func main() {
	logger := lhlog.NewFromEnv("bridged")
	ctx := context.Background()

	secretHex, err := config.RequireEnv("LIGHTHOUSE_AUTH_SECRET")
	if err != nil {
		fatalConfig(logger, "%v", err)
	}
	secret, err := decodeSecret(secretHex)
	if err != nil {
		fatalConfig(logger, "LIGHTHOUSE_AUTH_SECRET: %v", err)
	}

	var prevSecret []byte
	if prevHex := runtime.ResolveString("", "LIGHTHOUSE_AUTH_SECRET_PREVIOUS", ""); prevHex != "" {
		prevSecret, err = decodeSecret(prevHex)
		if err != nil {
			fatalConfig(logger, "LIGHTHOUSE_AUTH_SECRET_PREVIOUS: %v", err)
		}
	}

	dataDir := runtime.ResolveString("", "LIGHTHOUSE_DATA_DIR", "./data")
	nodeID := runtime.ResolveString("", "LIGHTHOUSE_NODE_ID", "bridged-1")
	bindAddr := runtime.ResolveString("", "LIGHTHOUSE_BIND_ADDR", ":8765")

	var metrics *lhmetrics.Metrics
	if lhmetrics.Enabled() {
		metrics = lhmetrics.Init("bridge")
	}

	cfg := bridge.Config{
		DataDir:            dataDir,
		NodeID:             nodeID,
		AuthSecret:         secret,
		AuthSecretPrevious: prevSecret,
		SessionIdleTimeout: runtime.ResolveDuration(0, "LIGHTHOUSE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionMaxAge:      runtime.ResolveDuration(0, "LIGHTHOUSE_SESSION_MAX_AGE", 12*time.Hour),
		FsyncPolicy:        eventstore.FsyncPolicy(runtime.ResolveString("", "LIGHTHOUSE_FSYNC_POLICY", string(eventstore.FsyncAlways))),
		MaxEventSize:       runtime.ResolveInt(0, "LIGHTHOUSE_MAX_EVENT_SIZE", eventstore.DefaultMaxEventSize),
		MaxBatchEvents:     runtime.ResolveInt(0, "LIGHTHOUSE_MAX_BATCH_SIZE", eventstore.DefaultMaxBatchEvents),
		MaxSegmentBytes:    resolveByteSize("LIGHTHOUSE_MAX_SEGMENT_BYTES", eventstore.DefaultMaxSegmentSize),
		RoleRateLimits: map[identity.Role]int{
			identity.RoleAgent:       runtime.ResolveInt(0, "LIGHTHOUSE_RATE_LIMIT_AGENT", authz.RoleRateLimits[identity.RoleAgent]),
			identity.RoleExpertAgent: runtime.ResolveInt(0, "LIGHTHOUSE_RATE_LIMIT_EXPERT_AGENT", authz.RoleRateLimits[identity.RoleExpertAgent]),
			identity.RoleSystemAgent: runtime.ResolveInt(0, "LIGHTHOUSE_RATE_LIMIT_SYSTEM_AGENT", authz.RoleRateLimits[identity.RoleSystemAgent]),
			identity.RoleAdmin:       runtime.ResolveInt(0, "LIGHTHOUSE_RATE_LIMIT_ADMIN", authz.RoleRateLimits[identity.RoleAdmin]),
		},
		ExpertChallengeSecret:     secret,
		ExpertLivenessTimeout:     runtime.ResolveDuration(0, "LIGHTHOUSE_EXPERT_LIVENESS_TIMEOUT", 2*time.Minute),
		ExpertCreateLimitPerMin:   runtime.ResolveInt(0, "LIGHTHOUSE_EXPERT_CREATE_LIMIT", 60),
		ExpertResponseLimitPerMin: runtime.ResolveInt(0, "LIGHTHOUSE_EXPERT_RESPONSE_LIMIT", 120),
		ExpertTimeout:             runtime.ResolveDuration(0, "LIGHTHOUSE_EXPERT_TIMEOUT", 30*time.Second),
		ExpertQuorum:              runtime.ResolveInt(0, "LIGHTHOUSE_EXPERT_QUORUM", 1),
		BreakerThreshold:          runtime.ResolveInt(0, "LIGHTHOUSE_CIRCUIT_BREAKER_THRESHOLD", 5),
		BreakerCooldown:           runtime.ResolveDuration(0, "LIGHTHOUSE_CIRCUIT_BREAKER_COOLDOWN", 30*time.Second),
		CORSAllowedOrigins:        config.SplitAndTrimCSV(runtime.ResolveString("", "LIGHTHOUSE_CORS_ALLOWED_ORIGINS", "")),
		BindAddr:                  bindAddr,
		AuthzPolicy:               authz.DefaultPolicy(),
		Metrics:                   metrics,
		Logger:                    logger,
	}

	if policyPath := runtime.ResolveString("", "LIGHTHOUSE_POLICY_FILE", ""); policyPath != "" {
		doc, err := os.ReadFile(policyPath)
		if err != nil {
			fatalConfig(logger, "reading LIGHTHOUSE_POLICY_FILE: %v", err)
		}
		rules, err := dispatch.ParseRules(doc)
		if err != nil {
			fatalConfig(logger, "parsing LIGHTHOUSE_POLICY_FILE: %v", err)
		}
		cfg.PolicyRules = rules
	}

	b, err := bridge.New(cfg)
	if err != nil {
		logger.Error(ctx, "failed to initialize bridge", err, nil)
		os.Exit(exitServiceUnavailable)
	}

	b.Monitor.Start(ctx)
	defer b.Monitor.Stop()

	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() { b.Sessions.SweepExpired(ctx) }); err != nil {
		fatalConfig(logger, "scheduling session sweep: %v", err)
	}
	if _, err := sched.AddFunc("@every 1m", func() { b.Experts.SweepStale() }); err != nil {
		fatalConfig(logger, "scheduling expert sweep: %v", err)
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		if _, err := b.Monitor.Sweep(ctx, ""); err != nil {
			logger.WithError(err).Warn("integrity sweep failed")
		}
	}); err != nil {
		fatalConfig(logger, "scheduling integrity sweep: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	router := bridge.NewRouter(b, bridge.RouterConfig{
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: runtime.ResolveInt(0, "LIGHTHOUSE_HTTP_RATE_LIMIT", 600),
		BodyLimitBytes:  resolveByteSize("LIGHTHOUSE_BODY_LIMIT_BYTES", 0),
		RequestTimeout:  runtime.ResolveDuration(0, "LIGHTHOUSE_REQUEST_TIMEOUT", 30*time.Second),
	})
	server, shutdown := bridge.NewServer(b, bindAddr, router)
	shutdown.OnShutdown(func() { sched.Stop() })

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "listener goroutine panicked", fmt.Errorf("%v", r), map[string]any{"stack": string(debug.Stack())})
				os.Exit(exitServiceUnavailable)
			}
		}()
		logger.Info(ctx, "bridged listening", map[string]any{"addr": bindAddr})
		if err := server.ListenAndServe(); err != nil {
			logger.WithError(err).Error("server stopped unexpectedly")
		}
	}()

	shutdown.ListenForSignals()
	shutdown.Wait()
	os.Exit(exitOK)
}

func decodeSecret(raw string) ([]byte, error) {
	if decoded, err := hex.DecodeString(strings.TrimSpace(raw)); err == nil {
		return decoded, nil
	}
	return []byte(raw), nil
}

// resolveByteSize reads envKey as a human size ("8MiB", "512KB") when set,
// falling back to fallback (already in bytes) otherwise or on parse error.
func resolveByteSize(envKey string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return fallback
	}
	size, err := config.ParseByteSize(raw)
	if err != nil {
		return fallback
	}
	return size
}
