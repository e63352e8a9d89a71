package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by
// namespace prefix: subscribing to "message." receives every
// message-scoped event.
const (
	KindProspectUpserted  = "prospect.upserted"
	KindProspectPage      = "prospect.page_loaded"
	KindTranscriptLoaded  = "transcript.loaded"
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindUnreadChanged     = "unread.changed"
	KindChannelStatus     = "channel.status_changed"
	KindChannelConnected  = "channel.connected"
	KindChannelDropped    = "channel.disconnected"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
