package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	subject := result.SubjectID
	if subject == "" {
		subject = "all"
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Subject: %s | No entries found.\n", subject)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Subject: %s | %s–%s UTC\n", subject, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatDateRange(e.Timestamp)
		b.WriteString(fmt.Sprintf("%-19s %-16s %-12s %s\n",
			ts, truncate(e.ActionType, 16), truncate(e.SubjectID, 12), shortSeal(e.Seal)))
		b.WriteString(fmt.Sprintf("    %s\n", truncate(e.Payload, 100)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	actions := make([]string, 0, len(s.ByAction))
	for a := range s.ByAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByAction[a], strings.ToLower(a)))
	}
	return fmt.Sprintf("Summary: %d entries (%s)\n", s.Total, strings.Join(parts, ", "))
}

func shortSeal(seal string) string {
	seal = strings.TrimPrefix(seal, HashPrefix)
	if len(seal) > 12 {
		return seal[:12]
	}
	return seal
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
