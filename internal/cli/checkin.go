package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wardwatch/internal/attendance"
	"github.com/ppiankov/wardwatch/internal/model"
)

var (
	checkinLat       float64
	checkinLng       float64
	checkinFaceScore float64
	checkinKey       string
)

func init() {
	rootCmd.AddCommand(checkinCmd)
	checkinCmd.Flags().Float64Var(&checkinLat, "lat", 0, "Reported latitude (required)")
	checkinCmd.Flags().Float64Var(&checkinLng, "lng", 0, "Reported longitude (required)")
	checkinCmd.Flags().Float64Var(&checkinFaceScore, "face-score", 0, "Face liveness score in [0,1] (required)")
	checkinCmd.Flags().StringVar(&checkinKey, "idempotency-key", "", "Replaying the same key returns the first result")
	checkinCmd.MarkFlagRequired("lat")
	checkinCmd.MarkFlagRequired("lng")
	checkinCmd.MarkFlagRequired("face-score")
}

var checkinCmd = &cobra.Command{
	Use:   "checkin <employee-id>",
	Short: "Record a geofenced check-in",
	Long: "Verifies the reported position against the worker's ward geofence and the\n" +
		"face liveness score, records the attendance event, and adjusts the integrity\n" +
		"score. Exits 1 when the check-in is blocked.",
	Args: cobra.ExactArgs(1),
	RunE: runCheckIn,
}

func runCheckIn(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	c := e.services()

	res, err := c.Attendance.CheckIn(cmd.Context(), attendance.CheckInRequest{
		WorkerID:       args[0],
		Position:       model.Coordinate{Lat: checkinLat, Lng: checkinLng},
		FaceScore:      checkinFaceScore,
		IdempotencyKey: checkinKey,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Status == model.OutcomeBlocked {
		return fmt.Errorf("check-in blocked: %s", res.Reason)
	}
	return nil
}
