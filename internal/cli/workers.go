package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	workersSearch string
	workersLimit  int
	workersOffset int
	workersFormat string
)

func init() {
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(statsCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersShowCmd)
	workersListCmd.Flags().StringVarP(&workersSearch, "search", "s", "", "Match worker or ward name (case-insensitive)")
	workersListCmd.Flags().IntVar(&workersLimit, "limit", 0, "Maximum rows (default 15, max 100)")
	workersListCmd.Flags().IntVar(&workersOffset, "offset", 0, "Rows to skip")
	workersListCmd.Flags().StringVarP(&workersFormat, "format", "f", "text", "Output format (text|json)")
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Supervisor registry of field workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List field workers, highest integrity score first",
	Args:  cobra.NoArgs,
	RunE:  runWorkersList,
}

var workersShowCmd = &cobra.Command{
	Use:   "show <employee-id>",
	Short: "Show a worker with ward, pending challenge, and recent attendance",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersShow,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show workforce totals",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	rows, err := e.services().Registry.List(cmd.Context(), workersSearch, workersLimit, workersOffset)
	if err != nil {
		return err
	}
	if workersFormat == "json" {
		return printJSON(cmd.OutOrStdout(), rows)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tWARD\tSCORE\tATTENDANCE\tPING")
	for _, r := range rows {
		ping := ""
		if r.PingActive {
			ping = "pending"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%d\t%s\n", r.ID, r.Name, r.WardName, r.IntegrityScore, r.AttendanceCount, ping)
	}
	return tw.Flush()
}

func runWorkersShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.services().Registry.Detail(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), d)
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.services().Registry.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), s)
}
