package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// DeliveryStatus of a message. Statuses only move forward by Rank.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryServerAck DeliveryStatus = "server_ack"
	DeliveryDelivered DeliveryStatus = "delivered_ack"
	DeliveryRead      DeliveryStatus = "read"
)

// Rank orders statuses. Failed sits between Sent and ServerAck: it may replace
// Sent, and any later ack supersedes it.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliverySent:
		return 10
	case DeliveryFailed:
		return 15
	case DeliveryServerAck:
		return 20
	case DeliveryDelivered:
		return 30
	case DeliveryRead:
		return 40
	}
	return 0
}

func (s DeliveryStatus) Valid() bool {
	return s.Rank() > 0
}

// StringList is stored as a JSON array in a text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type %T for StringList", src)
	}
	if len(raw) == 0 {
		*l = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode StringList: %w", err)
	}
	*l = out
	return nil
}
