package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	default:
		return json.Marshal(event)
	}
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		mrkdwn("*Worker:* %s", event.WorkerID),
		mrkdwn("*Ward:* %s", orDash(event.WardID)),
		mrkdwn("*Score:* %.1f", event.Score),
	}
	switch event.Event {
	case EventRotationTransfer:
		fields = append(fields, mrkdwn("*To ward:* %s", event.ToWardID), mrkdwn("*Seal:* `%s`", event.Seal))
	default:
		fields = append(fields, mrkdwn("*Reason:* %s", orDash(event.Reason)))
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("wardwatch: %s", headline(event.Event)),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func mrkdwn(format string, args ...any) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
}

func headline(event string) string {
	switch event {
	case EventCheckInBlocked:
		return "check-in blocked"
	case EventChallengeFailed:
		return "presence challenge failed"
	case EventRotationTransfer:
		return "ward rotation"
	default:
		return event
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
