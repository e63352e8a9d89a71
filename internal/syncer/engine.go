package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/convodesk/convodesk/internal/backend"
	"github.com/convodesk/convodesk/internal/bus"
	"github.com/convodesk/convodesk/internal/live"
	"github.com/convodesk/convodesk/internal/phone"
	"github.com/convodesk/convodesk/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// previewLen bounds the directory preview projected from a message.
const previewLen = 100

// Backend is the conversation-scoped slice of the REST client the
// engine needs. Directory pagination goes through store.Fetcher.
type Backend interface {
	ChatHistory(ctx context.Context, phoneKey string) ([]store.TranscriptMessage, error)
	SendMessage(ctx context.Context, phoneKey, body string) (backend.SendResult, error)
}

// Engine is the synchronization façade the rest of the application
// consumes. It owns the three collections (directory, transcript,
// unread), orchestrates outbound sends (optimistic append, network
// call, reconciliation), sequences prospect selection, and is the
// fan-out target for the live channel.
type Engine struct {
	directory  *store.Directory
	transcript *store.Transcript
	unread     *store.UnreadSet
	backend    Backend
	bus        *bus.Bus
	normalizer phone.Normalizer
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine creates the façade around the given collections and
// backend client.
func NewEngine(d *store.Directory, t *store.Transcript, u *store.UnreadSet, b Backend, eb *bus.Bus, n phone.Normalizer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		directory:  d,
		transcript: t,
		unread:     u,
		backend:    b,
		bus:        eb,
		normalizer: n,
		logger:     logger,
		now:        time.Now,
	}
}

// LoadFirstPage fetches page zero, replacing the directory. Used on
// startup, explicit refresh, and after a push reconnect.
func (e *Engine) LoadFirstPage(ctx context.Context, f store.Filters) error {
	entries, err := e.directory.LoadFirstPage(ctx, f)
	if err != nil {
		return fmt.Errorf("load first page: %w", err)
	}
	e.publish(bus.KindProspectPage, len(entries))
	return nil
}

// LoadNextPage appends the next directory page, if any. Silent no-op
// while a load is in flight or when the listing is exhausted.
func (e *Engine) LoadNextPage(ctx context.Context) error {
	entries, err := e.directory.LoadNextPage(ctx)
	if err != nil {
		return fmt.Errorf("load next page: %w", err)
	}
	if entries != nil {
		e.publish(bus.KindProspectPage, len(entries))
	}
	return nil
}

// SelectProspect opens a conversation: loads its transcript, then
// clears its unread mark. A history fetch that loses to a later
// selection is discarded without touching either. The unread mark is
// cleared only after a successful load, so a failed fetch does not
// erase the indicator.
func (e *Engine) SelectProspect(ctx context.Context, rawPhone string) error {
	key := e.normalizer.Key(rawPhone)
	if key == "+" {
		return ErrInvalidPhone
	}

	epoch := e.transcript.BeginLoad(key)
	history, err := e.backend.ChatHistory(ctx, key)
	if err != nil {
		return fmt.Errorf("load transcript for %s: %w", key, err)
	}
	if !e.transcript.CompleteLoad(epoch, history) {
		// A newer selection won while this fetch was in flight.
		return nil
	}
	if e.unread.MarkRead(key) {
		e.publish(bus.KindUnreadChanged, key)
	}
	e.publish(bus.KindTranscriptLoaded, key)
	return nil
}

// Send delivers an outbound message to the open conversation. The
// message appears in the transcript immediately as pending; the
// authoritative send result then confirms it or marks it failed. The
// body is validated before the optimistic write so a rejected send
// leaves no trace. Returns the local ID of the transcript entry.
func (e *Engine) Send(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	key := e.transcript.OpenKey()
	if key == "" {
		return "", ErrNoSelection
	}

	localID := uuid.NewString()
	now := e.now().UnixMilli()
	msg, err := e.transcript.AppendOptimistic(localID, body, now)
	if err != nil {
		return "", err
	}
	e.directory.Upsert(store.ProspectSummary{
		PhoneKey:           key,
		LastMessagePreview: truncate(body, previewLen),
		LastMessageAt:      now,
	})
	e.publish(bus.KindMessageUpserted, msg)

	res, err := e.backend.SendMessage(ctx, key, body)
	if err != nil {
		if e.transcript.Fail(localID) {
			e.publish(bus.KindMessageSendFailed, SendFailure{LocalID: localID, Err: err})
		}
		e.logger.Error("send failed",
			zap.String("phone_key", key), zap.String("local_id", localID), zap.Error(err))
		return localID, fmt.Errorf("send message: %w", err)
	}

	st := store.StatusSent
	if res.Status == string(store.StatusDelivered) {
		st = store.StatusDelivered
	}
	if e.transcript.Confirm(localID, res.MessageID, st) {
		e.publish(bus.KindMessageSendAck, SendAck{LocalID: localID, ServerID: res.MessageID})
	}
	return localID, nil
}

// HandleInbound is the live channel fan-out: one push event updates
// the directory, the open transcript, and the unread set before any
// event is published, so observers never see a partially applied
// event. Implements live.Handler.
func (e *Engine) HandleInbound(m live.InboundMessage) {
	e.directory.Upsert(store.ProspectSummary{
		PhoneKey:           m.PhoneKey,
		LastMessagePreview: truncate(m.Body, previewLen),
		LastMessageAt:      m.Timestamp,
	})

	open := e.transcript.OpenKey()
	appended := false
	unreadChanged := false
	if m.PhoneKey == open {
		// The open conversation is authoritative: its events never
		// mark it unread.
		appended = e.transcript.AppendInbound(store.TranscriptMessage{
			ServerID:  m.ServerID,
			PhoneKey:  m.PhoneKey,
			Body:      m.Body,
			MediaURL:  m.MediaURL,
			Direction: m.Direction,
			Status:    store.StatusDelivered,
			CreatedAt: m.Timestamp,
		})
	} else if m.Direction == store.Inbound {
		unreadChanged = e.unread.MarkUnread(m.PhoneKey)
	}

	e.publish(bus.KindProspectUpserted, m.PhoneKey)
	if appended {
		e.publish(bus.KindMessageUpserted, m.PhoneKey)
	}
	if unreadChanged {
		e.publish(bus.KindUnreadChanged, m.PhoneKey)
	}
}

// Prospects returns the current directory in display order.
func (e *Engine) Prospects() []store.ProspectSummary {
	return e.directory.Snapshot()
}

// Search filters the directory by name/phone substring. Pure.
func (e *Engine) Search(term string) []store.ProspectSummary {
	return e.directory.Search(term)
}

// Messages returns the open conversation's transcript.
func (e *Engine) Messages() []store.TranscriptMessage {
	return e.transcript.Messages()
}

// OpenKey returns the phone key of the open conversation, or "".
func (e *Engine) OpenKey() string {
	return e.transcript.OpenKey()
}

// Unread returns the phone keys with unseen activity.
func (e *Engine) Unread() []string {
	return e.unread.Keys()
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: e.now(), Payload: payload})
}

// SendAck is the payload of a message.send_ack event.
type SendAck struct {
	LocalID  string
	ServerID string
}

// SendFailure is the payload of a message.send_failed event.
type SendFailure struct {
	LocalID string
	Err     error
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
