package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxFrameBytes caps the size of a single push frame.
const maxFrameBytes = 1 << 20

// WebsocketTransport dials the console's push gateway. Events arrive
// as JSON frames of the form {"event": "...", "data": {...}}, scoped
// per tenant by the company query parameter.
type WebsocketTransport struct {
	// URL is the ws:// or wss:// push endpoint.
	URL string
	// CompanyID scopes the subscription to one tenant.
	CompanyID string
	// Token authenticates the connection; sent as a bearer token.
	Token string
	// HTTPClient optionally overrides the client used for the
	// handshake.
	HTTPClient *http.Client
}

// Dial implements Transport.
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("push url: %w", err)
	}
	q := u.Query()
	if t.CompanyID != "" {
		q.Set("company", t.CompanyID)
	}
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + t.Token}}
	}

	ws, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("dial push gateway: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *wsConn) ReadEvent(ctx context.Context) (RawEvent, error) {
	var frame wsFrame
	if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
		return RawEvent{}, err
	}
	return RawEvent{Name: frame.Event, Data: frame.Data}, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
