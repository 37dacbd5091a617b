// Package event implements C4, the Event Manager: delivering
// EventToClient values to a live WebSocket connection when one exists,
// and otherwise recording the event as a pending-notification flag the
// client picks up on its next connect (spec §4.4). Cross-instance
// fanout over NATS is grounded on the subject/handler shape of the
// teacher's go-server/pkg/nats/client.go.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/cache"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// FlagStore persists the pending-notification bitset so it survives a
// connection drop and a process restart. Implemented by the storage
// layer; kept as an interface here so Manager stays testable without a
// real database.
type FlagStore interface {
	SetPendingFlags(account model.AccountIdInternal, flags model.PendingNotificationFlags) error
	GetPendingFlags(account model.AccountIdInternal) (model.PendingNotificationFlags, error)
}

// PushHook escalates an account to the push layer once its notification
// has fallen back to a pending flag (spec §4.4's bridge into §4.8). Kept
// as an interface so Manager doesn't need to import internal/push.
type PushHook interface {
	Send(account model.AccountIdInternal)
}

// Manager is the C4 Event Manager.
type Manager struct {
	cache  *cache.Cache
	flags  FlagStore
	logger zerolog.Logger

	nats       *nats.Conn
	subjectFmt string
	instanceId string
	sub        *nats.Subscription

	push PushHook
}

// SetPushHook wires the push escalation hook in after construction, so
// internal/push (which itself depends on nothing in this package) can
// be built after the Manager without an import cycle.
func (m *Manager) SetPushHook(h PushHook) { m.push = h }

// New creates a Manager. natsConn may be nil to run single-instance
// without cross-instance fanout.
func New(c *cache.Cache, flags FlagStore, natsConn *nats.Conn, instanceId string, logger zerolog.Logger) *Manager {
	return &Manager{
		cache:      c,
		flags:      flags,
		logger:     logger.With().Str("component", "event").Logger(),
		nats:       natsConn,
		subjectFmt: "core.events.%s",
		instanceId: instanceId,
	}
}

// wireMessage is what crosses NATS: the target account plus the event,
// JSON-encoded so any instance running a different binary revision can
// still decode the envelope.
type wireMessage struct {
	Account model.AccountIdInternal `json:"account"`
	Event   model.EventToClient     `json:"event"`
	Origin  string                  `json:"origin"`
}

// Start subscribes to the shared broadcast subject that fanout publishes
// to. No-op if natsConn was nil.
func (m *Manager) Start() error {
	if m.nats == nil {
		return nil
	}
	subject := fmt.Sprintf(m.subjectFmt, "broadcast")
	sub, err := m.nats.Subscribe(subject, m.onFanoutMessage)
	if err != nil {
		return fmt.Errorf("event: subscribe %s: %w", subject, err)
	}
	m.sub = sub
	return nil
}

// Stop unsubscribes from the fanout subject.
func (m *Manager) Stop() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
}

func (m *Manager) onFanoutMessage(msg *nats.Msg) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Data, &wm); err != nil {
		m.logger.Warn().Err(err).Msg("discarding malformed event fanout message")
		return
	}
	m.deliverLocal(wm.Account, wm.Event)
}

// Send delivers event to account. If the account has a live WebSocket on
// this instance, it is written directly to the connection's event
// channel. Otherwise the event is recorded as a pending-notification
// flag for the client to discover on its next sync (spec §4.4), and if
// the account might be connected to a different instance the event is
// additionally fanned out over NATS so that instance can attempt direct
// delivery too.
func (m *Manager) Send(account model.AccountIdInternal, event model.EventToClient) error {
	if m.deliverLocal(account, event) {
		metrics.EventsDelivered.WithLabelValues(eventKindLabel(event.Kind)).Inc()
		return nil
	}

	if err := m.recordPendingFlag(account, event); err != nil {
		return err
	}
	metrics.EventsPending.WithLabelValues(eventKindLabel(event.Kind)).Inc()

	if m.nats != nil {
		m.fanout(account, event)
	}
	if m.push != nil {
		m.push.Send(account)
	}
	return nil
}

func (m *Manager) deliverLocal(account model.AccountIdInternal, event model.EventToClient) bool {
	e, err := m.cache.ByInternal(account)
	if err != nil {
		return false
	}
	ch := e.EventChanFor()
	if ch == nil {
		return false
	}
	select {
	case ch <- event:
		return true
	default:
		// Event channel full: the connection's write pump cannot keep
		// up. Fall back to the pending flag rather than blocking the
		// caller indefinitely.
		return false
	}
}

func (m *Manager) fanout(account model.AccountIdInternal, event model.EventToClient) {
	data, err := json.Marshal(wireMessage{Account: account, Event: event, Origin: m.instanceId})
	if err != nil {
		m.logger.Error().Err(err).Msg("marshal event fanout message")
		return
	}
	subject := fmt.Sprintf(m.subjectFmt, "broadcast")
	if err := m.nats.Publish(subject, data); err != nil {
		m.logger.Error().Err(err).Msg("publish event fanout message")
	}
}

func (m *Manager) recordPendingFlag(account model.AccountIdInternal, event model.EventToClient) error {
	bit := flagForEvent(event.Kind)
	if bit == 0 {
		return nil
	}
	current, err := m.flags.GetPendingFlags(account)
	if err != nil {
		return err
	}
	return m.flags.SetPendingFlags(account, current.Set(bit))
}

// AckFlags clears the given pending flags once the client has consumed
// the corresponding sync data (spec §4.4: flags clear on ack, not on
// delivery attempt).
func (m *Manager) AckFlags(account model.AccountIdInternal, cleared model.PendingNotificationFlags) error {
	current, err := m.flags.GetPendingFlags(account)
	if err != nil {
		return err
	}
	return m.flags.SetPendingFlags(account, current.Clear(cleared))
}

func flagForEvent(kind model.EventKind) model.PendingNotificationFlags {
	switch kind {
	case model.EventNewMessageReceived:
		return model.FlagNewMessage
	case model.EventReceivedLikesChanged:
		return model.FlagReceivedLikesChanged
	case model.EventContentModerationCompleted:
		return model.FlagContentModerationCompleted
	case model.EventProfileTextModerationCompleted:
		return model.FlagProfileTextModerationCompleted
	case model.EventMediaContentChanged:
		return model.FlagMediaContentChanged
	default:
		return 0
	}
}

func eventKindLabel(kind model.EventKind) string {
	switch kind {
	case model.EventNewMessageReceived:
		return "new_message"
	case model.EventReceivedLikesChanged:
		return "received_likes_changed"
	case model.EventProfileChanged:
		return "profile_changed"
	case model.EventMediaContentChanged:
		return "media_content_changed"
	case model.EventContentModerationCompleted:
		return "content_moderation_completed"
	case model.EventProfileTextModerationCompleted:
		return "profile_text_moderation_completed"
	case model.EventMatchesChanged:
		return "matches_changed"
	case model.EventServerMaintenanceScheduled:
		return "server_maintenance_scheduled"
	case model.EventAccountStateChanged:
		return "account_state_changed"
	default:
		return "unknown"
	}
}
