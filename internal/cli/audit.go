package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wardwatch/internal/audit"
)

var (
	tailLines     int
	verifyRecords bool
	replayLog     string
	replayAction  string
	replayFrom    string
	replayTo      string
	replayFormat  string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditCmd.AddCommand(auditSealCmd)
	auditVerifyCmd.Flags().BoolVar(&verifyRecords, "records", false, "Also recompute the seal of every record in the store")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().StringVarP(&replayLog, "log", "l", "", "Path to audit log (required)")
	auditReplayCmd.Flags().StringVar(&replayAction, "action", "", "Only entries of this action type")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
	auditReplayCmd.MarkFlagRequired("log")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
	Long:  "Commands for verifying and inspecting sealed audit records and the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain and seal integrity of an audit log",
	Long: "Walks the JSONL audit log and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry and that every payload still\n" +
		"matches its seal. Exits 0 if valid, 1 if tampered.",
	Args: cobra.ExactArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [subject-id]",
	Short: "Render a worker's sealed history from the audit log",
	Long:  "Reads the audit log, filters by subject and optional time range,\nand renders a timeline with summary.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

var auditSealCmd = &cobra.Command{
	Use:   "seal [file]",
	Short: "Print the seal of a JSON payload",
	Long:  "Canonicalizes a JSON document (file or stdin) and prints its SHA-256 seal.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditSeal,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if !result.Valid {
		return fmt.Errorf("audit log FAILED at line %d: %s", result.ErrorLine, result.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)

	if !verifyRecords {
		return nil
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	records, err := e.deps.Store.AuditRecords(cmd.Context(), "")
	if err != nil {
		return err
	}
	if bad := audit.VerifyRecords(records); len(bad) > 0 {
		return fmt.Errorf("%d of %d stored records fail seal verification: %s",
			len(bad), len(records), strings.Join(bad, ", "))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d stored records verified\n", len(records))
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := max(len(lines)-tailLines, 0)
	out := cmd.OutOrStdout()
	for _, line := range lines[start:] {
		var entry audit.AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if err := printJSON(out, entry); err != nil {
			return err
		}
	}
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{ActionType: replayAction}
	if len(args) == 1 {
		filter.SubjectID = args[0]
	}
	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	result, err := audit.Replay(replayLog, filter)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	default:
		fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(result))
	}
	return nil
}

func runAuditSeal(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("input is not valid JSON")
	}
	seal, err := audit.Seal(json.RawMessage(data))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), seal)
	return nil
}
