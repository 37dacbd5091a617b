// Package push implements C8, the Push Notifier: a high/low priority
// channel pair drained by one worker, a per-account push-state
// read-and-increment step, and an FCM provider call wrapped in the
// recommended-action retry state machine (spec §4.8). Grounded on
// original_source/crates/server_common/src/push_notifications.rs.
package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// StateInfo is one account's push-delivery bookkeeping (spec §4.8 step
// 1-2; named after PushNotificationStateInfoWithFlags).
type StateInfo struct {
	DeviceToken          *string
	FcmNotificationSent  bool
}

// StateProvider is the cache/storage surface the notifier reads and
// writes on every send attempt.
type StateProvider interface {
	// GetAndAddNotification reads the account's push state and the
	// pending flags that triggered this send, returning ok=false if the
	// flags were already empty (spec §4.8 step 1: "If flags are empty,
	// skip").
	GetAndAddNotification(ctx context.Context, account model.AccountIdInternal) (info StateInfo, flags model.PendingNotificationFlags, ok bool, err error)
	EnableNotificationSentFlag(ctx context.Context, account model.AccountIdInternal) error
	RemoveDeviceToken(ctx context.Context, account model.AccountIdInternal) error
	ClearFlags(ctx context.Context, account model.AccountIdInternal, flags model.PendingNotificationFlags) error
	// SavePendingFlagsToDatabase persists every still-cached
	// notification flag set on shutdown (spec §4.8's closing
	// paragraph), so a restart resumes delivery instead of losing it.
	SavePendingFlagsToDatabase(ctx context.Context) error
}

// Provider sends one push message and reports the server's recommended
// next action (spec §4.8 step 5).
type Provider interface {
	Send(ctx context.Context, deviceToken string, payload []byte) (Outcome, error)
}

// ActionKind is RecomendedAction's closed variant set.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRemoveFcmAppToken
	ActionDisableProvider // CheckCredentials | CheckSenderIdEquality | FixMessageContent
	ActionReduceRateAndRetry
	ActionRetry
	ActionHandleUnknownError
)

// Outcome is what one provider call reports back.
type Outcome struct {
	Action       ActionKind
	Wait         time.Duration
	WaitIsInitial bool // true: seed the exponential curve; false: a specific one-shot wait
}

// Notifier is the C8 Push Notifier.
type Notifier struct {
	state    StateProvider
	provider Provider
	logger   zerolog.Logger

	high chan model.AccountIdInternal
	low  chan model.AccountIdInternal

	lowPriorityGap time.Duration
	providerDisabled bool
}

// New creates a Notifier with the given channel capacities and the
// low-priority pacing interval (spec §4.8: "~1M entries" / "500 ms").
func New(state StateProvider, provider Provider, highCap, lowCap int, lowPriorityGap time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{
		state:          state,
		provider:       provider,
		logger:         logger.With().Str("component", "push").Logger(),
		high:           make(chan model.AccountIdInternal, highCap),
		low:            make(chan model.AccountIdInternal, lowCap),
		lowPriorityGap: lowPriorityGap,
	}
}

// Send enqueues a high-priority notification attempt. Non-blocking: a
// full channel drops the request and logs, matching the source's
// try_send-and-log-on-full behavior.
func (n *Notifier) Send(account model.AccountIdInternal) {
	select {
	case n.high <- account:
	default:
		n.logger.Error().Int64("account", int64(account)).Msg("push channel full, dropping notification")
		metrics.PushFailed.WithLabelValues("channel_full").Inc()
	}
}

// SendLowPriority enqueues a low-priority notification attempt.
func (n *Notifier) SendLowPriority(account model.AccountIdInternal) {
	select {
	case n.low <- account:
	default:
		n.logger.Error().Int64("account", int64(account)).Msg("low priority push channel full, dropping notification")
		metrics.PushFailed.WithLabelValues("channel_full").Inc()
	}
}

// Run drains the channels until ctx is cancelled: high priority always
// wins, low priority is admitted once per lowPriorityGap tick (spec §4.8:
// "dequeues one low-priority item at most every 500 ms"). On exit it
// persists any flags still outstanding in the cache.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.lowPriorityGap)
	defer ticker.Stop()

	lowAllowed := false

	for {
		var account model.AccountIdInternal
		var ok bool

		if lowAllowed {
			select {
			case account, ok = <-n.high:
			default:
				select {
				case account, ok = <-n.high:
				case account, ok = <-n.low:
					lowAllowed = false
					ticker.Reset(n.lowPriorityGap)
				case <-ctx.Done():
					n.quit(ctx)
					return
				}
			}
		} else {
			select {
			case account, ok = <-n.high:
			case <-ticker.C:
				lowAllowed = true
				continue
			case <-ctx.Done():
				n.quit(ctx)
				return
			}
		}

		if !ok {
			n.logger.Warn().Msg("push channel closed")
			return
		}
		n.sendOne(ctx, account)
	}
}

func (n *Notifier) quit(ctx context.Context) {
	if err := n.state.SavePendingFlagsToDatabase(ctx); err != nil {
		n.logger.Error().Err(err).Msg("save pending push notifications on shutdown")
	}
}

type pushPayload struct {
	N string `json:"n"`
}

// sendOne is send_push_notification: read state, short-circuit on
// already-sent or no-token, otherwise build the minimal data-only
// message and hand it to the provider with retry (spec §4.8 steps 1-6).
func (n *Notifier) sendOne(ctx context.Context, account model.AccountIdInternal) {
	if n.providerDisabled {
		return
	}

	info, flags, ok, err := n.state.GetAndAddNotification(ctx, account)
	if err != nil {
		n.logger.Error().Err(err).Msg("read push notification state")
		return
	}
	if !ok {
		return
	}

	if info.FcmNotificationSent {
		n.clearFlags(ctx, account, flags)
		return
	}
	if info.DeviceToken == nil {
		n.clearFlags(ctx, account, flags)
		return
	}

	payload, err := json.Marshal(pushPayload{N: ""})
	if err != nil {
		n.logger.Error().Err(err).Msg("marshal push payload")
		return
	}

	logic := newFcmSendingLogic()
	action, err := logic.send(ctx, n.provider, *info.DeviceToken, payload)
	if err != nil {
		n.logger.Error().Err(err).Msg("push send aborted by context")
		return
	}

	switch action {
	case ActionDisableProvider:
		n.providerDisabled = true
	case ActionRemoveFcmAppToken:
		if err := n.state.RemoveDeviceToken(ctx, account); err != nil {
			n.logger.Error().Err(err).Msg("remove device token")
		}
		metrics.PushFailed.WithLabelValues("token_removed").Inc()
	default: // ActionNone: delivered
		if err := n.state.EnableNotificationSentFlag(ctx, account); err != nil {
			n.logger.Error().Err(err).Msg("set notification sent flag")
			return
		}
		n.clearFlags(ctx, account, flags)
		metrics.PushSent.WithLabelValues(priorityLabel(flags)).Inc()
	}
}

func (n *Notifier) clearFlags(ctx context.Context, account model.AccountIdInternal, flags model.PendingNotificationFlags) {
	if err := n.state.ClearFlags(ctx, account, flags); err != nil {
		n.logger.Error().Err(err).Msg("clear push notification flags")
	}
}

func priorityLabel(flags model.PendingNotificationFlags) string {
	if flags.Has(model.FlagNewMessage) {
		return "high"
	}
	return "low"
}
