package store

// Direction of a transcript message.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status of a transcript message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
)

// ProspectSummary is one conversation entry in the directory.
type ProspectSummary struct {
	ID                 string
	PhoneKey           string
	DisplayName        string
	SourceTable        string
	AIEnabled          bool
	LastMessagePreview string
	LastMessageAt      int64 // unix millis, 0 = unknown
}

// Name returns the display label, falling back to the phone key.
func (p *ProspectSummary) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.PhoneKey
}

// TranscriptMessage is one message of the open conversation.
type TranscriptMessage struct {
	LocalID   string // client-generated, stable across reconciliation
	ServerID  string // empty until confirmed
	PhoneKey  string
	Body      string
	MediaURL  string
	Direction Direction
	Status    Status
	CreatedAt int64 // unix millis
}
