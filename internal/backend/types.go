package backend

import (
	"bytes"
	"strconv"
	"time"
)

// Millis is a unix-millisecond timestamp that unmarshals from either a
// JSON number or an RFC 3339 string. The backend emits numbers; some
// push gateway versions emit strings.
type Millis int64

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if b[0] == '"' {
		s := string(b[1 : len(b)-1])
		if s == "" {
			*m = 0
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*m = Millis(n)
			return nil
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*m = Millis(ts.UnixMilli())
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(n)
	return nil
}

// wireProspect is one entry of the prospects listing.
type wireProspect struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Phone              string `json:"phone"`
	SourceTable        string `json:"sourceTable"`
	AIEnabled          bool   `json:"aiEnabled"`
	LastMessagePreview string `json:"lastMessagePreview"`
	LastMessageDate    Millis `json:"lastMessageDate"`
}

// prospectsResponse mirrors GET /prospects.
type prospectsResponse struct {
	Data struct {
		Usuarios   []wireProspect `json:"usuarios"`
		Pagination struct {
			HasMore    bool   `json:"hasMore"`
			NextCursor string `json:"nextCursor"`
		} `json:"pagination"`
	} `json:"data"`
	LastMessageDate Millis `json:"lastMessageDate"`
}

// wireMessage is one entry of the chat history listing.
type wireMessage struct {
	ID          string `json:"id"`
	Body        string `json:"body"`
	Direction   string `json:"direction"`
	RespondedBy string `json:"respondedBy"`
	MessageType string `json:"messageType"`
	MediaURL    string `json:"mediaUrl"`
	Status      string `json:"status"`
	Timestamp   Millis `json:"timestamp"`
}

// sendRequest is the POST /send-message payload.
type sendRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// sendResponse mirrors the send endpoint result.
type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// SendResult is the authoritative outcome of a send call.
type SendResult struct {
	MessageID string
	Status    string
}

// errorResponse is the backend's error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
