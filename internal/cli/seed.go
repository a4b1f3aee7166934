package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/wardwatch/internal/ledger"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

func init() {
	rootCmd.AddCommand(seedCmd)
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load wards and workers into the record store",
	Long: "Reads a YAML file with `wards` and `workers` lists and writes them to the\n" +
		"store. Wards are upserted; workers that already exist are left untouched.",
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

// seedFile is the on-disk layout of reference data.
type seedFile struct {
	Wards   []model.Ward `yaml:"wards"`
	Workers []seedWorker `yaml:"workers"`
}

type seedWorker struct {
	ID               string    `yaml:"id"`
	Name             string    `yaml:"name"`
	Role             string    `yaml:"role"`
	WardID           string    `yaml:"ward_id"`
	IntegrityScore   *float64  `yaml:"integrity_score"`
	AttendanceCount  int64     `yaml:"attendance_count"`
	LastTransferDate time.Time `yaml:"last_transfer_date"`
	Retired          bool      `yaml:"retired"`
}

type seedReport struct {
	Wards           int `json:"wards"`
	WorkersCreated  int `json:"workers_created"`
	WorkersExisting int `json:"workers_existing"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	sf, err := loadSeed(args[0])
	if err != nil {
		return err
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	rep, err := applySeed(cmd.Context(), e.deps.Store, sf, time.Now())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rep)
}

// loadSeed reads and validates a seed file.
func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	wards := make(map[string]bool, len(sf.Wards))
	for i, w := range sf.Wards {
		if strings.TrimSpace(w.ID) == "" {
			return nil, fmt.Errorf("wards[%d]: id is required", i)
		}
		if err := w.Center.Validate(); err != nil {
			return nil, fmt.Errorf("ward %s: %w", w.ID, err)
		}
		if w.RadiusMeters <= 0 {
			return nil, fmt.Errorf("ward %s: radius_meters must be positive", w.ID)
		}
		wards[w.ID] = true
	}
	for i, w := range sf.Workers {
		if strings.TrimSpace(w.ID) == "" {
			return nil, fmt.Errorf("workers[%d]: id is required", i)
		}
		if w.Role != "" {
			if _, err := model.ParseRole(w.Role); err != nil {
				return nil, fmt.Errorf("worker %s: %w", w.ID, err)
			}
		}
		if w.WardID != "" && !wards[w.WardID] {
			return nil, fmt.Errorf("worker %s: unknown ward %q", w.ID, w.WardID)
		}
	}
	return &sf, nil
}

// applySeed writes sf to st. Missing scores start at the initial score and
// missing transfer dates at today.
func applySeed(ctx context.Context, st store.Store, sf *seedFile, now time.Time) (seedReport, error) {
	var rep seedReport
	for _, w := range sf.Wards {
		if err := st.PutWard(ctx, w); err != nil {
			return rep, err
		}
		rep.Wards++
	}
	for _, sw := range sf.Workers {
		if _, err := st.Worker(ctx, sw.ID); err == nil {
			rep.WorkersExisting++
			continue
		} else if !model.IsNotFound(err) {
			return rep, err
		}

		w := model.Worker{
			ID:               sw.ID,
			Name:             sw.Name,
			Role:             model.RoleWorker,
			WardID:           sw.WardID,
			IntegrityScore:   ledger.InitialScore,
			AttendanceCount:  sw.AttendanceCount,
			LastTransferDate: model.TruncateDay(now),
			Retired:          sw.Retired,
		}
		if sw.Role != "" {
			w.Role = model.Role(sw.Role)
		}
		if sw.IntegrityScore != nil {
			w.IntegrityScore = ledger.Clamp(*sw.IntegrityScore)
		}
		if !sw.LastTransferDate.IsZero() {
			w.LastTransferDate = model.TruncateDay(sw.LastTransferDate)
		}
		if err := st.CreateWorker(ctx, w); err != nil {
			return rep, err
		}
		rep.WorkersCreated++
	}
	return rep, nil
}
