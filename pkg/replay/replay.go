// Package replay loads a ledger file and verifies it end to end: sequence
// contiguity, hash-chain integrity, nonce uniqueness, and signature
// validity for every entry.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/telemetry"
)

// parallelThreshold is the entry count above which Phase 2 signature
// verification fans out across a worker pool instead of running
// sequentially. Below it, pool setup overhead isn't worth paying.
const parallelThreshold = 2000

// Violation describes one integrity failure found during Verify. Kind is
// one of "chain_break", "sequence_gap", "invalid_signature", or "schema" —
// the closed vocabulary GEF-SPEC-1.0 §4.5.3 defines. Duplicate nonces are
// reported as "schema" violations at the repeating entry's sequence; their
// detail mentions "nonce" and the sequence of the entry that first used it.
type Violation struct {
	Kind     string `json:"kind"`
	Sequence int64  `json:"sequence"`
	RecordID string `json:"record_id"`
	Detail   string `json:"detail"`
}

const (
	violationChainBreak      = "chain_break"
	violationSequenceGap     = "sequence_gap"
	violationInvalidSig      = "invalid_signature"
	violationSchema          = "schema"
)

// ReplaySummary is the result of Verify.
type ReplaySummary struct {
	TotalEntries     int            `json:"total_entries"`
	ChainValid       bool           `json:"chain_valid"`
	Violations       []Violation    `json:"violations"`
	ValidSignatures  int            `json:"valid_signatures"`
	InvalidSignatures int           `json:"invalid_signatures"`
	RecordTypeCounts map[string]int `json:"record_type_counts"`
	AgentsSeen       []string       `json:"agents_seen"`
	GefVersion       string         `json:"gef_version"`
	FirstTimestamp   string         `json:"first_timestamp"`
	LastTimestamp    string         `json:"last_timestamp"`
}

// VersionError indicates a ledger mixes gef_version values. GEF does not
// define cross-version replay semantics; a ledger must be internally
// homogeneous.
type VersionError struct {
	Line     int
	Expected string
	Got      string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("replay: line %d: gef_version mismatch: expected %q, got %q", e.Line, e.Expected, e.Got)
}

// LoadError wraps a line-numbered parse or validation failure from Load.
type LoadError struct {
	Line   int
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("replay: line %d: %s", e.Line, e.Reason)
}

// Engine holds a loaded, sequence-sorted ledger ready for verification.
type Engine struct {
	entries    []*envelope.Envelope
	workers    int
	sequential bool
	telemetry  *telemetry.Provider
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers overrides the Phase 2 worker pool size. Default is
// min(runtime.NumCPU(), 8).
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithSequential forces Phase 2 signature verification to run
// sequentially regardless of parallelThreshold.
func WithSequential() Option {
	return func(e *Engine) { e.sequential = true }
}

// WithTelemetry attaches a provider so Verify emits a span and RED metrics
// for each call. A nil provider (or omitting this option) leaves Verify
// uninstrumented.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Load reads a ledger file line by line, parses each as an Envelope,
// confirms gef_version homogeneity, and sorts entries by sequence. ctx is
// checked between lines so a caller can cancel a load of a very large
// ledger.
func Load(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: opening %s: %w", path, err)
	}
	defer f.Close()
	return LoadReader(ctx, f, opts...)
}

// LoadReader is Load with an already-open reader, for tests and callers
// composing the ledger from elsewhere.
func LoadReader(ctx context.Context, r io.Reader, opts ...Option) (*Engine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	e := &Engine{workers: defaultWorkers()}
	for _, opt := range opts {
		opt(e)
	}

	var version string
	var parsedVersion *semver.Version
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("replay: load canceled at line %d: %w", lineNo, err)
		}

		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var env envelope.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return nil, &LoadError{Line: lineNo, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}

		// The version check runs before schema validation: the schema pins
		// gef_version to Version, so checking the schema first would turn
		// every mixed-version ledger into a plain LoadError.
		entryVersion, err := semver.NewVersion(env.GefVersion)
		if err != nil {
			return nil, &LoadError{Line: lineNo, Reason: fmt.Sprintf("malformed gef_version %q: %v", env.GefVersion, err)}
		}

		if parsedVersion == nil {
			version = env.GefVersion
			parsedVersion = entryVersion
		} else if !entryVersion.Equal(parsedVersion) {
			return nil, &VersionError{Line: lineNo, Expected: version, Got: env.GefVersion}
		}

		if valid, errs := env.ValidateSchema(); !valid {
			return nil, &LoadError{Line: lineNo, Reason: fmt.Sprintf("schema violation: %v", errs)}
		}

		entry := env
		e.entries = append(e.entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("replay: scanning: %w", err)
	}

	sort.SliceStable(e.entries, func(i, j int) bool {
		return e.entries[i].Sequence < e.entries[j].Sequence
	})

	return e, nil
}

// Entries returns the loaded, sequence-sorted envelopes.
func (e *Engine) Entries() []*envelope.Envelope {
	return e.entries
}

// NewFromEntries builds an Engine directly from an already-loaded,
// sequence-sorted slice. Used by callers that filter a loaded ledger
// (by agent, by sequence range) before re-verifying the subset — the
// filtering happens on the caller's side so unfiltered head-hash
// reporting stays accurate.
func NewFromEntries(entries []*envelope.Envelope, opts ...Option) *Engine {
	e := &Engine{entries: entries, workers: defaultWorkers()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Head returns the commitment a hypothetical next entry would use as its
// causal_hash — SHA-256-hex(canonical(last entry's chaining surface)) —
// along with the last entry's sequence. Returns (envelope.GenesisHash, -1)
// if the engine holds no entries. Callers must compute this before
// applying any agent/range filter: per spec, the head hash always
// reflects the full, unfiltered ledger.
func (e *Engine) Head() (hash string, sequence int64, err error) {
	if len(e.entries) == 0 {
		return envelope.GenesisHash, -1, nil
	}
	last := e.entries[len(e.entries)-1]
	h, err := envelope.ExpectedCausalHash(last)
	if err != nil {
		return "", 0, err
	}
	return h, last.Sequence, nil
}

// Verify runs the two-phase check: a sequential pass over sequence, chain,
// and nonce invariants, followed by a signature-verification pass that
// runs in parallel once the ledger is large enough to make pool setup
// worthwhile. ctx is checked once, before the first phase: an already
// canceled ctx yields a summary with a single "schema" violation and no
// checks run. Once started, both phases run to completion.
func (e *Engine) Verify(ctx context.Context) (summary ReplaySummary) {
	if e.telemetry != nil {
		var end func(error)
		ctx, end = e.telemetry.StartOperation(ctx, "replay.verify", attribute.Int("entries", len(e.entries)))
		defer func() { end(ctx.Err()) }()
	}

	summary = ReplaySummary{
		TotalEntries:     len(e.entries),
		RecordTypeCounts: make(map[string]int),
	}
	if err := ctx.Err(); err != nil {
		summary.Violations = append(summary.Violations, Violation{
			Kind:   violationSchema,
			Detail: fmt.Sprintf("verify canceled: %v", err),
		})
		return summary
	}

	summary.Violations = append(summary.Violations, e.verifySequential()...)

	sigViolations, validSigs, invalidSigs := e.verifySignaturesCounted()
	summary.Violations = append(summary.Violations, sigViolations...)
	summary.ValidSignatures = validSigs
	summary.InvalidSignatures = invalidSigs

	agents := make(map[string]struct{})
	for i, env := range e.entries {
		summary.RecordTypeCounts[env.RecordType]++
		agents[env.AgentID] = struct{}{}
		if i == 0 {
			summary.FirstTimestamp = env.Timestamp
			summary.GefVersion = env.GefVersion
		}
		if i == len(e.entries)-1 {
			summary.LastTimestamp = env.Timestamp
		}
	}
	summary.AgentsSeen = make([]string, 0, len(agents))
	for agent := range agents {
		summary.AgentsSeen = append(summary.AgentsSeen, agent)
	}
	sort.Strings(summary.AgentsSeen)

	summary.ChainValid = len(summary.Violations) == 0
	return summary
}

func (e *Engine) verifySequential() []Violation {
	var violations []Violation
	seenNonces := make(map[string]int64, len(e.entries))

	var prev *envelope.Envelope
	for i, env := range e.entries {
		expectedSeq := int64(i)
		if !env.VerifySequence(expectedSeq) {
			violations = append(violations, Violation{
				Kind:     violationSequenceGap,
				Sequence: env.Sequence,
				RecordID: env.RecordID,
				Detail:   fmt.Sprintf("Expected sequence %d, got %d", expectedSeq, env.Sequence),
			})
		}

		if !env.VerifyChain(prev) {
			expected, err := envelope.ExpectedCausalHash(prev)
			if err != nil {
				expected = "<unavailable>"
			}
			violations = append(violations, Violation{
				Kind:     violationChainBreak,
				Sequence: env.Sequence,
				RecordID: env.RecordID,
				Detail:   fmt.Sprintf("causal_hash mismatch: expected ...%s, got ...%s", tail12(expected), tail12(env.CausalHash)),
			})
		}

		if firstSeq, dup := seenNonces[env.Nonce]; dup {
			violations = append(violations, Violation{
				Kind:     violationSchema,
				Sequence: env.Sequence,
				RecordID: env.RecordID,
				Detail:   fmt.Sprintf("Duplicate nonce '%s' at sequence %d — nonces MUST be unique per ledger (GEF-SPEC-1.0 INV-29)", env.Nonce, firstSeq),
			})
		} else {
			seenNonces[env.Nonce] = env.Sequence
		}

		prev = env
	}
	return violations
}

func tail12(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[len(hash)-12:]
}

// verifySignaturesCounted runs Phase 2 and, alongside the violations it
// finds, tallies how many entries' signatures verified and how many
// didn't — spec §4.5.3's valid_signatures/invalid_signatures fields.
func (e *Engine) verifySignaturesCounted() (violations []Violation, valid, invalid int) {
	n := len(e.entries)
	if n == 0 {
		return nil, 0, 0
	}

	if e.sequential || n < parallelThreshold {
		violations = e.verifySignaturesSequential()
	} else {
		var err error
		violations, err = e.verifySignaturesParallel()
		if err != nil {
			// Worker pool setup failed; fall back silently to the
			// sequential path rather than surface an infrastructure error
			// as a ledger integrity violation.
			violations = e.verifySignaturesSequential()
		}
	}

	invalid = len(violations)
	valid = n - invalid
	return violations, valid, invalid
}

func (e *Engine) verifySignaturesSequential() []Violation {
	var violations []Violation
	for _, env := range e.entries {
		if !env.VerifySignature("") {
			violations = append(violations, Violation{
				Kind:     violationInvalidSig,
				Sequence: env.Sequence,
				RecordID: env.RecordID,
				Detail:   fmt.Sprintf("signature verification failed for record %s", env.RecordID),
			})
		}
	}
	return violations
}

func (e *Engine) verifySignaturesParallel() ([]Violation, error) {
	if e.workers < 1 {
		return nil, fmt.Errorf("replay: invalid worker count %d", e.workers)
	}

	jobs := make(chan int)
	results := make([]*Violation, len(e.entries))

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				env := e.entries[idx]
				if !env.VerifySignature("") {
					results[idx] = &Violation{
						Kind:     violationInvalidSig,
						Sequence: env.Sequence,
						RecordID: env.RecordID,
						Detail:   fmt.Sprintf("signature verification failed for record %s", env.RecordID),
					}
				}
			}
		}()
	}

	for i := range e.entries {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var violations []Violation
	for _, v := range results {
		if v != nil {
			violations = append(violations, *v)
		}
	}
	return violations, nil
}

// ExportJSON writes the loaded entries' serialization surfaces to path as
// a JSON array.
func (e *Engine) ExportJSON(path string) error {
	out := make([]map[string]any, 0, len(e.entries))
	for _, env := range e.entries {
		out = append(out, env.SerializationSurface())
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("replay: marshaling export: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("replay: writing %s: %w", path, err)
	}
	return nil
}

// PrintTimeline writes one line per entry in sequence order: sequence,
// timestamp, record_type, agent_id.
func (e *Engine) PrintTimeline(w io.Writer) error {
	for _, env := range e.entries {
		if _, err := fmt.Fprintf(w, "%6d  %s  %-20s  %s\n", env.Sequence, env.Timestamp, env.RecordType, env.AgentID); err != nil {
			return err
		}
	}
	return nil
}
