package alert

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", event.Severity)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*User:* %s", event.UserID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Device:* %s", event.DeviceID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Message:* %s", event.Message)},
	}
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", k, event.Details[k])})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("payvault: %s", event.Kind),
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

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	severity := event.Severity
	if severity == "" {
		severity = "info"
	}

	details := map[string]any{
		"user_id":   event.UserID,
		"device_id": event.DeviceID,
	}
	for k, v := range event.Details {
		details[k] = v
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":        fmt.Sprintf("payvault %s: %s", event.Kind, event.Message),
			"severity":       severity,
			"source":         "payvault",
			"custom_details": details,
		},
	}
	return json.Marshal(payload)
}
