package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	storeFlag    string
	policyFlag   string
	logLevel     string
	logFormat    string
	auditLogFlag string
)

var rootCmd = &cobra.Command{
	Use:   "wardwatch",
	Short: "Presence integrity engine for municipal field workforces",
	Long: "Verifies that field workers are physically present in their assigned ward:\n" +
		"geofenced check-ins, randomized presence challenges, an integrity score\n" +
		"ledger, and sealed rotation transfers.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&storeFlag, "store", "", `Record store: "memory" or a SQLite file path (default ~/.wardwatch/wardwatch.db)`)
	pf.StringVar(&policyFlag, "policy", "", "Path to policy YAML (default ~/.wardwatch/policy.yaml)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFormat, "log-format", "json", "Log format (json|console)")
	pf.StringVar(&auditLogFlag, "audit-log", "", "Path to the hash-chained audit log (overrides policy audit.log_path)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
