package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/guardclaw/gef/pkg/anchor"
	"github.com/guardclaw/gef/pkg/config"
	"github.com/guardclaw/gef/pkg/keymanager"
	"github.com/guardclaw/gef/pkg/ledger"
	"github.com/guardclaw/gef/pkg/ratelimit"
	"github.com/guardclaw/gef/pkg/telemetry"
)

// runEmitCmd implements `gef emit <record-type>`, the write-path
// counterpart to `verify`: it opens (or creates) the configured ledger and
// appends one signed, chained entry. Configuration is resolved the same
// way for every optional subsystem — `config.FromEnv()`, optionally
// overridden by `--profile`.
//
// Exit codes: 0 = emitted, 2 = configuration or runtime error.
func runEmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("emit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		payloadJSON string
		agentID     string
	)
	cmd.StringVar(&profilePath, "profile", "", "YAML config profile overlaying GEF_* environment defaults")
	cmd.StringVar(&payloadJSON, "payload", "{}", "JSON object to record as the envelope payload")
	cmd.StringVar(&agentID, "agent", "", "Override the configured agent id for this entry")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: record type is required")
		return 2
	}
	recordType := cmd.Arg(0)

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		fmt.Fprintf(stderr, "Error: --payload is not a JSON object: %v\n", err)
		return 2
	}

	cfg := config.FromEnv()
	if profilePath != "" {
		var err error
		cfg, err = config.LoadProfile(profilePath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	ctx := context.Background()

	provider, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Enabled:      cfg.Telemetry.Enabled,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: starting telemetry: %v\n", err)
		return 2
	}
	defer provider.Shutdown(ctx)

	km, err := loadOrCreateKey(cfg.KeyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	opts := []ledger.Option{
		ledger.WithDurability(cfg.DurabilityOption()),
		ledger.WithTelemetry(provider),
	}

	if cfg.RateLimit.Enabled {
		limiter, err := buildRateLimiter(cfg.RateLimit)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		opts = append(opts, ledger.WithRateLimiter(limiter))
	}

	if cfg.Anchor.Enabled {
		pub, err := anchor.NewPublisher(ctx, anchor.Config{
			Bucket: cfg.Anchor.Bucket,
			Region: cfg.Anchor.Region,
			Prefix: cfg.Anchor.Prefix,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: configuring anchor publisher: %v\n", err)
			return 2
		}
		opts = append(opts, ledger.WithAnchor(pub))
	}

	l, err := ledger.New(cfg.LedgerPath, km, cfg.AgentID, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: opening ledger: %v\n", err)
		return 2
	}

	env, err := l.Emit(ctx, recordType, payload, agentID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(env.SerializationSurface(), "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: marshaling result: %v\n", err)
		return 2
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

func loadOrCreateKey(path string) (*keymanager.KeyManager, error) {
	if _, err := os.Stat(path); err == nil {
		return keymanager.FromFile(path)
	}
	km, err := keymanager.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	if err := km.Save(path); err != nil {
		return nil, fmt.Errorf("saving signing key to %s: %w", path, err)
	}
	return km, nil
}

func buildRateLimiter(cfg config.RateLimitConfig) (ledger.RateLimiter, error) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewInProcess(cfg.RatePerSecond, cfg.Burst), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return ratelimit.NewDistributed(client, cfg.RatePerSecond, cfg.Burst), nil
}
