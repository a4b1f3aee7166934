package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wardwatch/internal/challenge"
	"github.com/ppiankov/wardwatch/internal/model"
)

var (
	pingKey string
	pingLat float64
	pingLng float64
)

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.AddCommand(pingTriggerCmd)
	pingCmd.AddCommand(pingRespondCmd)
	pingCmd.AddCommand(pingStatusCmd)
	pingCmd.PersistentFlags().StringVar(&pingKey, "idempotency-key", "", "Replaying the same key returns the first result")
	pingRespondCmd.Flags().Float64Var(&pingLat, "lat", 0, "Reported latitude (required)")
	pingRespondCmd.Flags().Float64Var(&pingLng, "lng", 0, "Reported longitude (required)")
	pingRespondCmd.MarkFlagRequired("lat")
	pingRespondCmd.MarkFlagRequired("lng")
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Presence challenge operations",
}

var pingTriggerCmd = &cobra.Command{
	Use:   "trigger <employee-id>",
	Short: "Send a presence challenge to a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runPingTrigger,
}

var pingRespondCmd = &cobra.Command{
	Use:   "respond <employee-id>",
	Short: "Answer a worker's pending presence challenge",
	Long:  "Resolves the pending challenge against the worker's ward geofence.\nExits 1 when the challenge fails.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPingRespond,
}

var pingStatusCmd = &cobra.Command{
	Use:   "status <employee-id>",
	Short: "Show a worker's pending challenge and the time left",
	Args:  cobra.ExactArgs(1),
	RunE:  runPingStatus,
}

func runPingTrigger(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.services().Challenges.Trigger(cmd.Context(), args[0], pingKey)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runPingRespond(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	c := e.services()

	res, err := c.Challenges.Respond(cmd.Context(), challenge.RespondRequest{
		WorkerID:       args[0],
		Position:       model.Coordinate{Lat: pingLat, Lng: pingLng},
		IdempotencyKey: pingKey,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Status == model.ChallengeFailed {
		return fmt.Errorf("challenge failed: %s", res.Reason)
	}
	return nil
}

func runPingStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	active, err := e.services().Challenges.Active(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), active)
}
