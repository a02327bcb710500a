package dispatch

import (
	"fmt"
	"time"

	"github.com/guardline/guardline/internal/channels"
	"github.com/guardline/guardline/internal/database"
)

// MessageTitle heads every notification regardless of channel
const MessageTitle = "Anti-Theft Alert"

// RenderMessage builds the notification body for one alert. The text is fixed
// at plan time and shared by every (contact, channel) pair of the alert.
func RenderMessage(device *database.Device, alert *database.AlertRecord) channels.Message {
	name := device.Name
	if name == "" {
		name = device.ID
	}
	ident := name
	if device.Phone != "" {
		ident = fmt.Sprintf("%s (%s)", name, device.Phone)
	}

	var body string
	switch alert.EventKind {
	case database.EventKindFailedPin:
		body = fmt.Sprintf("%s experienced multiple failed PIN attempts.", ident)
	case database.EventKindSimChange:
		body = fmt.Sprintf("%s reported a SIM change.", ident)
	case database.EventKindTamper:
		body = fmt.Sprintf("%s reported tampering.", ident)
	case database.EventKindRemovedFromNetwork:
		body = fmt.Sprintf("%s may have been stolen: it dropped off the network.", ident)
	default:
		body = fmt.Sprintf("%s reported a security event.", ident)
	}
	if loc, ok := alert.Payload["location"].(string); ok && loc != "" {
		body = fmt.Sprintf("%s Last known location: %s.", body, loc)
	}

	return channels.Message{
		Title:      MessageTitle,
		Body:       body,
		AlertID:    alert.ID,
		DeviceID:   device.ID,
		DeviceName: name,
		EventKind:  alert.EventKind,
		OccurredAt: alert.OccurredAt.UTC().Format(time.RFC3339),
	}
}
