package push

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fcmSendingLogic is the retry state machine around one provider call:
// successive failures escalate from a 1ms initial rate limit (doubled on
// each ReduceRateAndRetry) into a backoff.ExponentialBackOff curve with
// the library's default multiplier and jitter, seeded from the
// provider's wait, or a forced wait, until the provider reports success or an
// unusual action that ends the loop (spec §4.8 step 5). Grounded line
// for line on FcmSendingLogic::retry_sending.
type fcmSendingLogic struct {
	initialRateLimit time.Duration
	backoffCurve     *backoff.ExponentialBackOff
	forcedWait       *time.Duration
}

func newFcmSendingLogic() *fcmSendingLogic {
	return &fcmSendingLogic{initialRateLimit: time.Millisecond}
}

// send runs the message through the provider until it either succeeds
// (ActionNone) or the provider asks to stop retrying.
func (l *fcmSendingLogic) send(ctx context.Context, provider Provider, token string, payload []byte) (ActionKind, error) {
	l.backoffCurve = nil
	l.forcedWait = nil

	for {
		action, err := l.retryOnce(ctx, provider, token, payload)
		if err != nil {
			return ActionNone, err
		}
		switch action {
		case ActionRetry, ActionReduceRateAndRetry, ActionHandleUnknownError:
			continue
		default:
			return action, nil
		}
	}
}

func (l *fcmSendingLogic) retryOnce(ctx context.Context, provider Provider, token string, payload []byte) (ActionKind, error) {
	wait := l.nextWait()
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ActionNone, ctx.Err()
	}

	outcome, err := provider.Send(ctx, token, payload)
	if err != nil {
		l.forceWait(60 * time.Second)
		return ActionRetry, nil
	}

	switch outcome.Action {
	case ActionNone:
		return ActionNone, nil
	case ActionDisableProvider, ActionRemoveFcmAppToken:
		return outcome.Action, nil
	case ActionReduceRateAndRetry:
		l.initialRateLimit *= 2
		l.applyRecommendedWait(outcome)
		return ActionReduceRateAndRetry, nil
	case ActionRetry:
		l.applyRecommendedWait(outcome)
		return ActionRetry, nil
	case ActionHandleUnknownError:
		l.forceWait(60 * time.Second)
		return ActionHandleUnknownError, nil
	default:
		return ActionNone, nil
	}
}

func (l *fcmSendingLogic) nextWait() time.Duration {
	if l.forcedWait != nil {
		w := *l.forcedWait
		l.forcedWait = nil
		return w
	}
	if l.backoffCurve != nil {
		return l.backoffCurve.NextBackOff()
	}
	return l.initialRateLimit
}

func (l *fcmSendingLogic) forceWait(d time.Duration) {
	l.forcedWait = &d
}

// applyRecommendedWait seeds the exponential curve on the first
// recommendation and leaves a running curve alone on subsequent ones,
// mirroring handle_recommended_wait_time's InitialWaitTime branch; a
// SpecificWaitTime recommendation instead sets a one-shot forced wait.
func (l *fcmSendingLogic) applyRecommendedWait(outcome Outcome) {
	if outcome.WaitIsInitial {
		if l.backoffCurve == nil {
			l.backoffCurve = backoff.NewExponentialBackOff()
			l.backoffCurve.InitialInterval = outcome.Wait
			l.backoffCurve.MaxElapsedTime = 0
		}
		return
	}
	l.forceWait(outcome.Wait)
}
