package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeboard/internal/domain"
)

// MessageType is the "type" field of a push message.
type MessageType string

const (
	TypeData           MessageType = "data"
	TypeError          MessageType = "error"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeSubscription   MessageType = "subscription"
	TypeUnsubscription MessageType = "unsubscription"
)

// Message is the JSON frame exchanged on the push channel in both
// directions. Timestamp is in Unix milliseconds.
type Message struct {
	Type       MessageType     `json:"type"`
	FeedType   string          `json:"feedType,omitempty"`
	DataSource string          `json:"dataSource,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Key returns the feed the message refers to.
func (m Message) Key() domain.Key {
	return domain.NewKey(m.FeedType, m.DataSource)
}

// Time returns the message timestamp, or now when it carries none.
func (m Message) Time() time.Time {
	if m.Timestamp <= 0 {
		return time.Now()
	}
	return time.UnixMilli(m.Timestamp)
}

var errMalformed = errors.New("malformed push message")

// Decode parses and validates an inbound frame.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	switch m.Type {
	case TypeData:
		if m.FeedType == "" {
			return Message{}, fmt.Errorf("%w: data message without feedType", errMalformed)
		}
		if len(m.Data) == 0 || string(m.Data) == "null" {
			return Message{}, fmt.Errorf("%w: data message without data", errMalformed)
		}
	case TypeError, TypeHeartbeat, TypeSubscription, TypeUnsubscription:
	case "":
		return Message{}, fmt.Errorf("%w: missing type", errMalformed)
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", errMalformed, m.Type)
	}
	return m, nil
}

func subscriptionMessage(key domain.Key) Message {
	return Message{Type: TypeSubscription, FeedType: key.FeedType, DataSource: key.DataSource, Timestamp: time.Now().UnixMilli()}
}

func unsubscriptionMessage(key domain.Key) Message {
	return Message{Type: TypeUnsubscription, FeedType: key.FeedType, DataSource: key.DataSource, Timestamp: time.Now().UnixMilli()}
}

func heartbeatMessage() Message {
	return Message{Type: TypeHeartbeat, Timestamp: time.Now().UnixMilli()}
}
