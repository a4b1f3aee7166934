package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/wardwatch/internal/rotation"
)

var rotateDryRun bool

func init() {
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(sweepCmd)
	rotateCmd.Flags().BoolVar(&rotateDryRun, "dry-run", false, "Show planned transfers without executing them")
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Transfer workers overdue for ward rotation",
	Long: "Moves every active field worker whose last transfer is older than the\n" +
		"rotation interval to a different ward, drawn uniformly at random. Each\n" +
		"transfer is sealed into the audit trail.",
	Args: cobra.NoArgs,
	RunE: runRotate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail presence challenges whose response window has passed",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

type rotateOutput struct {
	DryRun bool `json:"dry_run,omitempty"`
	rotation.Result
}

func runRotate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	c := e.services()

	if rotateDryRun {
		plans, skipped, err := c.Rotation.Plan(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rotateOutput{
			DryRun: true,
			Result: rotation.Result{Transfers: plans, Skipped: skipped},
		})
	}

	e.startEvents()
	res, err := c.Rotation.ExecuteRotation(cmd.Context())
	if perr := printJSON(cmd.OutOrStdout(), rotateOutput{Result: res}); perr != nil && err == nil {
		err = perr
	}
	return err
}

func runSweep(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := e.services().Challenges.SweepExpired(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]int{"expired": n})
}
