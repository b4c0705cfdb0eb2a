package main

import (
	"fmt"
	"strings"

	"wasync/internal/gateway"
)

// Webhook events the gateway can push. Only the ones the ingest path
// understands are subscribed by default.
var supportedEventTypes = []string{
	// Messages
	"MESSAGES_UPSERT",
	"MESSAGES_UPDATE",
	"MESSAGES_DELETE",
	"SEND_MESSAGE",

	// Contacts and chats
	"CONTACTS_UPSERT",
	"CONTACTS_UPDATE",
	"CHATS_UPSERT",
	"CHATS_UPDATE",
	"PRESENCE_UPDATE",

	// Connection and session
	"CONNECTION_UPDATE",
	"QRCODE_UPDATED",
	"LOGOUT_INSTANCE",
	"REMOVE_INSTANCE",

	// Groups
	"GROUPS_UPSERT",
	"GROUP_UPDATE",
	"GROUP_PARTICIPANTS_UPDATE",

	// Calls
	"CALL",
}

var defaultEventTypes = []string{
	"MESSAGES_UPSERT",
	"MESSAGES_UPDATE",
	"SEND_MESSAGE",
	"CONTACTS_UPSERT",
	"CONTACTS_UPDATE",
	"CONNECTION_UPDATE",
	"QRCODE_UPDATED",
}

// Map for quick validation, keyed by normalized name.
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[gateway.NormalizeEventName(eventType)] = true
	}
}

// isValidEventType accepts any spelling the gateway uses for an event.
func isValidEventType(eventType string) bool {
	return eventTypeMap[gateway.NormalizeEventName(eventType)]
}

// webhookEvents returns the configured event list in the gateway's
// spelling, or the default list when none is configured.
func webhookEvents(configured []string) ([]string, error) {
	if len(configured) == 0 {
		return append([]string(nil), defaultEventTypes...), nil
	}
	out := make([]string, 0, len(configured))
	for _, ev := range configured {
		if !isValidEventType(ev) {
			return nil, fmt.Errorf("unsupported webhook event %q", ev)
		}
		out = append(out, strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(strings.TrimSpace(ev))))
	}
	return out, nil
}
