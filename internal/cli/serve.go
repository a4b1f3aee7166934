package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/wardwatch/internal/policy"
	"github.com/ppiankov/wardwatch/internal/server"
)

var (
	serveAddr  string
	serveWatch bool
	serveSeed  string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the policy file when it changes")
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "Seed file to load before serving (useful with --store memory)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the challenge sweeper and rotation scheduler",
	Long: "Serves check-ins, presence challenges, rotation, and the supervisor registry\n" +
		"over HTTP. Expired challenges are swept and overdue workers rotated on the\n" +
		"intervals set in the policy. Supports hot-reload of the policy file.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if serveSeed != "" {
		sf, err := loadSeed(serveSeed)
		if err != nil {
			return err
		}
		rep, err := applySeed(cmd.Context(), e.deps.Store, sf, time.Now())
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		e.log.Info("seeded store",
			zap.Int("wards", rep.Wards),
			zap.Int("workers_created", rep.WorkersCreated),
			zap.Int("workers_existing", rep.WorkersExisting))
	}

	policyPath := policyFlag
	if policyPath == "" {
		policyPath = policy.DefaultPath()
	}
	srv, err := server.New(server.Config{
		Addr:       serveAddr,
		PolicyPath: policyPath,
		Watch:      serveWatch,
	}, e.deps)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "wardwatch listening on %s\n", serveAddr)
	err = srv.Run(ctx)
	srv.Core().Alerts.Wait()
	return err
}
