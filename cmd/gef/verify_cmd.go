package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/guardclaw/gef/pkg/config"
	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/index"
	"github.com/guardclaw/gef/pkg/replay"
	"github.com/guardclaw/gef/pkg/telemetry"
)

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
)

// auditReport is the §6.2 JSON output shape: the replay summary plus the
// unfiltered chain head.
type auditReport struct {
	Ledger            string             `json:"ledger"`
	Valid             bool               `json:"valid"`
	TotalEntries      int                `json:"total_entries"`
	Violations        []replay.Violation `json:"violations"`
	ChainHeadHash     string             `json:"chain_head_hash"`
	ChainHeadSequence int64              `json:"chain_head_sequence"`
}

// runVerifyCmd implements `gef verify <ledger-path>` per spec.md §6.2.
//
// Exit codes: 0 = ledger fully valid, 1 = ledger has violations,
// 2 = runtime error (file missing, malformed JSON, bad flags).
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		format      string
		exportPath  string
		quiet       bool
		rangeFlag   string
		agentFilter string
		noColor     bool
		noParallel  bool
		indexDSN    string
		indexDriver string
	)

	cmd.StringVar(&format, "format", "human", "Output format: human|json|compact")
	cmd.StringVar(&exportPath, "export", "", "Write full audit report as JSON to PATH")
	cmd.BoolVar(&quiet, "quiet", false, "Suppress output; exit code only")
	cmd.StringVar(&rangeFlag, "range", "", "Verify only entries with START <= sequence < END")
	cmd.StringVar(&agentFilter, "agent", "", "Filter to one agent")
	cmd.BoolVar(&noColor, "no-color", false, "Disable ANSI escapes")
	cmd.BoolVar(&noParallel, "no-parallel", false, "Force sequential verification")
	cmd.StringVar(&indexDSN, "index", "", "Rebuild a secondary index at DSN after verifying, for fast lookups")
	cmd.StringVar(&indexDriver, "index-driver", "sqlite", "Driver for --index: sqlite|postgres")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if cmd.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: ledger path is required")
		return 2
	}
	ledgerPath := cmd.Arg(0)

	ctx := context.Background()

	cfg := config.FromEnv()
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

	var loadOpts []replay.Option
	if noParallel {
		loadOpts = append(loadOpts, replay.WithSequential())
	}
	loadOpts = append(loadOpts, replay.WithTelemetry(provider))

	full, err := replay.Load(ctx, ledgerPath, loadOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	headHash, headSeq, err := full.Head()
	if err != nil {
		fmt.Fprintf(stderr, "Error computing chain head: %v\n", err)
		return 2
	}

	entries := full.Entries()
	if agentFilter != "" {
		entries = filterByAgent(entries, agentFilter)
	}
	if rangeFlag != "" {
		start, end, err := parseRange(rangeFlag)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		entries = filterByRange(entries, start, end)
	}

	eng := full
	if agentFilter != "" || rangeFlag != "" {
		eng = replay.NewFromEntries(entries, loadOpts...)
	}

	summary := eng.Verify(ctx)
	report := auditReport{
		Ledger:            ledgerPath,
		Valid:             summary.ChainValid,
		TotalEntries:      summary.TotalEntries,
		Violations:        summary.Violations,
		ChainHeadHash:     headHash,
		ChainHeadSequence: headSeq,
	}

	if indexDSN != "" {
		idx, ierr := index.Open(indexDriver, indexDSN)
		if ierr != nil {
			fmt.Fprintf(stderr, "Error: opening index: %v\n", ierr)
			return 2
		}
		if ierr := idx.Rebuild(ctx, full.Entries()); ierr != nil {
			idx.Close()
			fmt.Fprintf(stderr, "Error: rebuilding index: %v\n", ierr)
			return 2
		}
		if ierr := idx.Close(); ierr != nil {
			fmt.Fprintf(stderr, "Error: closing index: %v\n", ierr)
			return 2
		}
	}

	if exportPath != "" {
		data, merr := json.MarshalIndent(report, "", "  ")
		if merr != nil {
			fmt.Fprintf(stderr, "Error: marshaling audit report: %v\n", merr)
			return 2
		}
		if werr := os.WriteFile(exportPath, data, 0o644); werr != nil {
			fmt.Fprintf(stderr, "Error: writing audit report: %v\n", werr)
			return 2
		}
	}

	if !quiet {
		printReport(stdout, report, format, !noColor && isTerminalWriter(stdout))
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func printReport(w io.Writer, report auditReport, format string, color bool) {
	switch format {
	case "json":
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(w, string(data))
	case "compact":
		status := "VALID"
		if !report.Valid {
			status = "INVALID"
		}
		fmt.Fprintf(w, "%s entries=%d violations=%d head=%s@%d\n",
			status, report.TotalEntries, len(report.Violations), tail(report.ChainHeadHash, 12), report.ChainHeadSequence)
	default:
		printHuman(w, report, color)
	}
}

func printHuman(w io.Writer, report auditReport, color bool) {
	pass, fail := "", ""
	if color {
		pass, fail = colorGreen, colorRed
	}
	reset := ""
	if color {
		reset = colorReset
	}

	if report.Valid {
		fmt.Fprintf(w, "%sledger valid%s: %s\n", pass, reset, report.Ledger)
	} else {
		fmt.Fprintf(w, "%sledger INVALID%s: %s\n", fail, reset, report.Ledger)
	}
	fmt.Fprintf(w, "entries:    %d\n", report.TotalEntries)
	fmt.Fprintf(w, "chain head: %s @ sequence %d\n", tail(report.ChainHeadHash, 12), report.ChainHeadSequence)
	for _, v := range report.Violations {
		fmt.Fprintf(w, "  - [%s] sequence %d (%s): %s\n", v.Kind, v.Sequence, v.RecordID, v.Detail)
	}
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func filterByAgent(entries []*envelope.Envelope, agentID string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, e := range entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

func filterByRange(entries []*envelope.Envelope, start, end int64) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, e := range entries {
		if e.Sequence >= start && e.Sequence < end {
			out = append(out, e)
		}
	}
	return out
}

func parseRange(s string) (int64, int64, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid --range %q, expected START:END", s)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --range start %q: %w", parts[0], err)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --range end %q: %w", parts[1], err)
	}
	return start, end, nil
}
