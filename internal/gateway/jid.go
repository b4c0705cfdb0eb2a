package gateway

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// PhoneFromJID extracts the canonical phone number (digits only) from a
// routing id such as "5548999999999:12@s.whatsapp.net". A bare number is
// accepted as well.
func PhoneFromJID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty routing id")
	}
	if !strings.Contains(raw, "@") {
		return canonicalPhone(raw)
	}

	jid, err := types.ParseJID(raw)
	if err != nil {
		return "", fmt.Errorf("invalid routing id %q: %w", raw, err)
	}
	switch jid.Server {
	case types.DefaultUserServer, types.LegacyUserServer:
		return canonicalPhone(jid.User)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChat, raw)
	}
}

// JIDFromPhone builds the routing id used to query a conversation.
func JIDFromPhone(phone string) string {
	return types.NewJID(phone, types.DefaultUserServer).String()
}

func canonicalPhone(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("invalid phone number %q", s)
		}
	}
	if b.Len() < 5 || b.Len() > 20 {
		return "", fmt.Errorf("invalid phone number %q", s)
	}
	return b.String(), nil
}
