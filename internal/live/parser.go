package live

import (
	"encoding/json"
	"fmt"

	"github.com/convodesk/convodesk/internal/backend"
	"github.com/convodesk/convodesk/internal/phone"
	"github.com/convodesk/convodesk/internal/store"
)

// EventNewMessage is the named push event carrying a chat message.
const EventNewMessage = "new-message"

// InboundMessage is a validated push event ready for fan-out.
type InboundMessage struct {
	PhoneKey    string
	ServerID    string
	Body        string
	MediaURL    string
	MessageType string
	RespondedBy string
	Direction   store.Direction
	Timestamp   int64
}

// newMessagePayload is the wire shape of a "new-message" event.
type newMessagePayload struct {
	PhoneKey string `json:"phoneKey"`
	Phone    string `json:"phone"` // older gateway versions
	Message  struct {
		ID          string         `json:"id"`
		Body        string         `json:"body"`
		Direction   string         `json:"direction"`
		RespondedBy string         `json:"respondedBy"`
		MessageType string         `json:"messageType"`
		MediaURL    string         `json:"mediaUrl"`
		Timestamp   backend.Millis `json:"timestamp"`
	} `json:"message"`
}

// ParseNewMessage validates and normalizes a "new-message" payload.
// Anything that cannot be routed (no usable phone, no timestamp, no
// content) is rejected here so malformed events fail closed at the
// channel boundary instead of propagating into the stores.
func ParseNewMessage(data json.RawMessage, n phone.Normalizer) (InboundMessage, error) {
	var p newMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return InboundMessage{}, fmt.Errorf("decode new-message payload: %w", err)
	}

	rawPhone := p.PhoneKey
	if rawPhone == "" {
		rawPhone = p.Phone
	}
	key := n.Key(rawPhone)
	if key == "+" {
		return InboundMessage{}, fmt.Errorf("new-message without usable phone")
	}
	if p.Message.Timestamp == 0 {
		return InboundMessage{}, fmt.Errorf("new-message without timestamp")
	}
	if p.Message.Body == "" && p.Message.MediaURL == "" {
		return InboundMessage{}, fmt.Errorf("new-message without content")
	}

	var direction store.Direction
	switch p.Message.Direction {
	case "inbound":
		direction = store.Inbound
	case "outbound":
		direction = store.Outbound
	case "":
		direction = store.Inbound
		if p.Message.RespondedBy != "" {
			direction = store.Outbound
		}
	default:
		return InboundMessage{}, fmt.Errorf("new-message with unknown direction %q", p.Message.Direction)
	}

	msgType := p.Message.MessageType
	if msgType == "" {
		msgType = "text"
	}

	return InboundMessage{
		PhoneKey:    key,
		ServerID:    p.Message.ID,
		Body:        p.Message.Body,
		MediaURL:    p.Message.MediaURL,
		MessageType: msgType,
		RespondedBy: p.Message.RespondedBy,
		Direction:   direction,
		Timestamp:   int64(p.Message.Timestamp),
	}, nil
}
