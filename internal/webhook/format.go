package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/sydlexius/shopmon/internal/event"
)

// Discord embed colors per level.
const (
	colorInfo    = 3447003
	colorWarning = 16763904
	colorError   = 15158332
)

// formatPayload returns the request body and content-type for a webhook delivery.
func formatPayload(w *Webhook, e event.Event) ([]byte, string) {
	switch w.Type {
	case TypeDiscord:
		return formatDiscord(e)
	case TypeSlack:
		return formatSlack(e)
	case TypeGotify:
		return formatGotify(e)
	default:
		return formatGeneric(e)
	}
}

func formatGeneric(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"event":     string(e.Type),
		"shop_id":   e.ShopID,
		"timestamp": e.Timestamp,
		"data":      e.Data,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatDiscord(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       formatTitle(e),
				"description": formatDescription(e),
				"color":       levelColor(e),
				"timestamp":   e.Timestamp.Format("2006-01-02T15:04:05Z"),
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatSlack(e event.Event) ([]byte, string) {
	text := fmt.Sprintf("*%s*\n%s", formatTitle(e), formatDescription(e))
	payload := map[string]any{
		"text": text,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatGotify(e event.Event) ([]byte, string) {
	priority := 5
	if level, _ := e.Data["level"].(string); level == "error" || level == "red" {
		priority = 8
	}
	payload := map[string]any{
		"title":    formatTitle(e),
		"message":  formatDescription(e),
		"priority": priority,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatTitle(e event.Event) string {
	if title, ok := e.Data["title"].(string); ok && title != "" {
		return "Shopmon: " + title
	}
	return fmt.Sprintf("Shopmon: %s", e.Type)
}

func formatDescription(e event.Event) string {
	if e.Data == nil {
		return string(e.Type)
	}
	if msg, ok := e.Data["message"].(string); ok {
		return msg
	}
	b, _ := json.Marshal(e.Data)
	return string(b)
}

func levelColor(e event.Event) int {
	level, _ := e.Data["level"].(string)
	switch level {
	case "error", "red":
		return colorError
	case "warning", "yellow":
		return colorWarning
	}
	return colorInfo
}
