// Package ledger provides the append-only, crash-safe, single-writer
// ledger file that records signed Envelopes.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/guardclaw/gef/pkg/anchor"
	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/keymanager"
	"github.com/guardclaw/gef/pkg/replay"
	"github.com/guardclaw/gef/pkg/telemetry"
)

// Durability controls whether Emit fsyncs after every append. Resolves the
// fsync open question: the reference source flushes but does not always
// fsync; this repository makes the choice explicit and defaults to the
// safer option.
type Durability int

const (
	// DurabilitySync calls File.Sync() after every append. Default.
	DurabilitySync Durability = iota
	// DurabilityBuffered flushes the write but does not fsync, trading
	// durability for throughput.
	DurabilityBuffered
)

// RateLimiter optionally gates Emit calls before they acquire the lock.
type RateLimiter interface {
	Allow(ctx context.Context, agentID string) (bool, error)
}

// Ledger is a stateful, single-process-safe append-only writer.
type Ledger struct {
	mu sync.Mutex

	path       string
	key        *keymanager.KeyManager
	agentID    string
	durability Durability
	limiter    RateLimiter
	logger     *slog.Logger
	anchor     *anchor.Publisher
	telemetry  *telemetry.Provider

	nextSequence int64
	lastEnvelope *envelope.Envelope
}

// Option configures a Ledger at construction time.
type Option func(*Ledger)

// WithDurability overrides the default fsync-per-append behavior.
func WithDurability(d Durability) Option {
	return func(l *Ledger) { l.durability = d }
}

// WithRateLimiter installs a limiter consulted before every Emit.
func WithRateLimiter(rl RateLimiter) Option {
	return func(l *Ledger) { l.limiter = rl }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithAnchor installs a publisher that Emit notifies, best-effort, with
// the ledger's new head after every successful append.
func WithAnchor(pub *anchor.Publisher) Option {
	return func(l *Ledger) { l.anchor = pub }
}

// WithTelemetry attaches a provider so Emit emits a span and RED metrics
// for each call. A nil provider (or omitting this option) leaves Emit
// uninstrumented.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(l *Ledger) { l.telemetry = p }
}

// New opens (or creates) a ledger file at path. If the file already exists
// and is non-empty, its tail is read to recover next-sequence and
// last-envelope state (see restoreState).
func New(path string, key *keymanager.KeyManager, agentID string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		key:     key,
		agentID: agentID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.restoreState(); err != nil {
		return nil, err
	}
	return l, nil
}

// restoreState reads the last non-empty line of the ledger file, if any,
// and sets nextSequence/lastEnvelope from it. A malformed or
// schema-invalid tail is non-fatal: it is logged as a diagnostic and state
// defaults to genesis, per spec — the caller can run full verification
// separately before the next Emit.
func (l *Ledger) restoreState() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: reading %s: %w", l.path, err)
	}

	lastLine := lastNonEmptyLine(data)
	if lastLine == "" {
		return nil
	}

	var env envelope.Envelope
	if err := json.Unmarshal([]byte(lastLine), &env); err != nil {
		l.logger.Warn("ledger: corrupt tail line, state defaults to genesis",
			"path", l.path, "error", err)
		return nil
	}

	if valid, errs := env.ValidateSchema(); !valid {
		l.logger.Warn("ledger: tail line failed schema validation, state defaults to genesis",
			"path", l.path, "errors", errs)
		return nil
	}

	l.nextSequence = env.Sequence + 1
	l.lastEnvelope = &env
	return nil
}

func lastNonEmptyLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	last := ""
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			last = line
		}
	}
	return last
}

// Emit builds, signs, chain-checks, and appends a new envelope under the
// ledger's lock, in the exact order spec.md §4.4.1 requires. agentID
// overrides the ledger's default agent id when non-empty.
func (l *Ledger) Emit(ctx context.Context, recordType string, payload map[string]any, agentID string) (env *envelope.Envelope, err error) {
	if l.telemetry != nil {
		var end func(error)
		ctx, end = l.telemetry.StartOperation(ctx, "ledger.emit", attribute.String("record_type", recordType))
		defer func() { end(err) }()
	}

	actor := l.agentID
	if agentID != "" {
		actor = agentID
	}

	// The limiter is consulted before the lock is taken, so a throttled
	// caller never holds up other writers.
	if l.limiter != nil {
		ok, allowErr := l.limiter.Allow(ctx, actor)
		if allowErr != nil {
			err = fmt.Errorf("ledger: rate limiter: %w", allowErr)
			return nil, err
		}
		if !ok {
			err = &RateLimitedError{AgentID: actor}
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	env, err = envelope.Create(recordType, actor, l.key.PublicKeyHex(), l.nextSequence, payload, l.lastEnvelope)
	if err != nil {
		return nil, err
	}

	if _, signErr := env.Sign(l.key); signErr != nil {
		err = fmt.Errorf("ledger: signing: %w", signErr)
		return nil, err
	}

	if !env.VerifySequence(l.nextSequence) {
		err = &ChainInvariantError{Reason: fmt.Sprintf("expected sequence %d, constructed %d", l.nextSequence, env.Sequence)}
		return nil, err
	}
	if !env.VerifyChain(l.lastEnvelope) {
		err = &ChainInvariantError{Reason: "newly constructed envelope does not chain to last_envelope"}
		return nil, err
	}

	if appendErr := l.appendToFile(env); appendErr != nil {
		err = appendErr
		return nil, err
	}

	l.nextSequence++
	l.lastEnvelope = env

	if l.anchor != nil {
		if pubErr := l.anchor.Publish(ctx, env, env.Timestamp); pubErr != nil {
			l.logger.Warn("ledger: anchor publish failed", "path", l.path, "sequence", env.Sequence, "error", pubErr)
		}
	}

	return env, nil
}

func (l *Ledger) appendToFile(env *envelope.Envelope) error {
	line, err := json.Marshal(env.SerializationSurface())
	if err != nil {
		return fmt.Errorf("ledger: marshaling entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &IOError{Cause: err}
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return &IOError{Cause: err}
	}
	if l.durability == DurabilitySync {
		if err := f.Sync(); err != nil {
			return &IOError{Cause: err}
		}
	}
	return nil
}

// Stats summarizes in-memory writer state. The writer holds no history
// beyond the last envelope (spec.md §3.3), so this reflects only the
// current position, not aggregate counts across the file.
type Stats struct {
	Path            string
	NextSequence    int64
	LastRecordID    string
	LastTimestamp   string
	HasLastEnvelope bool
}

// GetStats returns the writer's current in-memory state.
func (l *Ledger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Path: l.path, NextSequence: l.nextSequence}
	if l.lastEnvelope != nil {
		s.HasLastEnvelope = true
		s.LastRecordID = l.lastEnvelope.RecordID
		s.LastTimestamp = l.lastEnvelope.Timestamp
	}
	return s
}

// LastEnvelope returns the most recently emitted envelope, or nil.
func (l *Ledger) LastEnvelope() *envelope.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEnvelope
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// VerifyChain reloads the ledger file from disk and runs the full
// sequence/chain/nonce/signature check over it. It is a convenience
// wrapper around pkg/replay for callers that already hold a *Ledger and
// want a self-check without wiring a separate verifier.
func (l *Ledger) VerifyChain(ctx context.Context) (replay.ReplaySummary, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	var opts []replay.Option
	if l.telemetry != nil {
		opts = append(opts, replay.WithTelemetry(l.telemetry))
	}

	eng, err := replay.Load(ctx, path, opts...)
	if err != nil {
		return replay.ReplaySummary{}, err
	}
	return eng.Verify(ctx), nil
}
