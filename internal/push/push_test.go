package push

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

type fakeStateProvider struct {
	info  StateInfo
	flags model.PendingNotificationFlags
	ok    bool

	cleared        model.PendingNotificationFlags
	clearedCalled  bool
	sentFlagCalled bool
	tokenRemoved   bool
}

func (s *fakeStateProvider) GetAndAddNotification(ctx context.Context, account model.AccountIdInternal) (StateInfo, model.PendingNotificationFlags, bool, error) {
	return s.info, s.flags, s.ok, nil
}

func (s *fakeStateProvider) EnableNotificationSentFlag(ctx context.Context, account model.AccountIdInternal) error {
	s.sentFlagCalled = true
	return nil
}

func (s *fakeStateProvider) RemoveDeviceToken(ctx context.Context, account model.AccountIdInternal) error {
	s.tokenRemoved = true
	return nil
}

func (s *fakeStateProvider) ClearFlags(ctx context.Context, account model.AccountIdInternal, flags model.PendingNotificationFlags) error {
	s.clearedCalled = true
	s.cleared = flags
	return nil
}

func (s *fakeStateProvider) SavePendingFlagsToDatabase(ctx context.Context) error { return nil }

type fakeProvider struct {
	calls    int
	outcomes []Outcome
	err      error
}

func (p *fakeProvider) Send(ctx context.Context, deviceToken string, payload []byte) (Outcome, error) {
	defer func() { p.calls++ }()
	if p.err != nil {
		return Outcome{}, p.err
	}
	if p.calls < len(p.outcomes) {
		return p.outcomes[p.calls], nil
	}
	return p.outcomes[len(p.outcomes)-1], nil
}

func newTestNotifier(state StateProvider, provider Provider) *Notifier {
	return New(state, provider, 8, 8, time.Millisecond, zerolog.Nop())
}

// TestSendOne_SkipsAlreadySentNotification is the push no-duplicate
// property (spec §8): once FcmNotificationSent is true for an account,
// a second drain of its queued flags must not call the provider again.
func TestSendOne_SkipsAlreadySentNotification(t *testing.T) {
	token := "device-token"
	state := &fakeStateProvider{
		info:  StateInfo{DeviceToken: &token, FcmNotificationSent: true},
		flags: model.FlagNewMessage,
		ok:    true,
	}
	provider := &fakeProvider{}
	n := newTestNotifier(state, provider)

	n.sendOne(context.Background(), 1)

	assert.Equal(t, 0, provider.calls, "provider must not be called for an already-sent notification")
	assert.True(t, state.clearedCalled)
}

func TestSendOne_SkipsWhenNoPendingFlags(t *testing.T) {
	state := &fakeStateProvider{ok: false}
	provider := &fakeProvider{}
	n := newTestNotifier(state, provider)

	n.sendOne(context.Background(), 1)

	assert.Equal(t, 0, provider.calls)
	assert.False(t, state.clearedCalled)
}

func TestSendOne_SkipsWhenNoDeviceToken(t *testing.T) {
	state := &fakeStateProvider{info: StateInfo{DeviceToken: nil}, flags: model.FlagNewMessage, ok: true}
	provider := &fakeProvider{}
	n := newTestNotifier(state, provider)

	n.sendOne(context.Background(), 1)

	assert.Equal(t, 0, provider.calls)
	assert.True(t, state.clearedCalled)
}

func TestSendOne_DeliversAndMarksSent(t *testing.T) {
	token := "device-token"
	state := &fakeStateProvider{info: StateInfo{DeviceToken: &token}, flags: model.FlagNewMessage, ok: true}
	provider := &fakeProvider{outcomes: []Outcome{{Action: ActionNone}}}
	n := newTestNotifier(state, provider)

	n.sendOne(context.Background(), 1)

	require.Equal(t, 1, provider.calls)
	assert.True(t, state.sentFlagCalled)
	assert.True(t, state.clearedCalled)
	assert.Equal(t, model.FlagNewMessage, state.cleared)
}

func TestSendOne_RemovesTokenOnActionRemoveFcmAppToken(t *testing.T) {
	token := "device-token"
	state := &fakeStateProvider{info: StateInfo{DeviceToken: &token}, flags: model.FlagNewMessage, ok: true}
	provider := &fakeProvider{outcomes: []Outcome{{Action: ActionRemoveFcmAppToken}}}
	n := newTestNotifier(state, provider)

	n.sendOne(context.Background(), 1)

	assert.True(t, state.tokenRemoved)
	assert.False(t, state.sentFlagCalled)
}

func TestSendOne_DisablesProviderOnDisableAction(t *testing.T) {
	token := "device-token"
	state := &fakeStateProvider{info: StateInfo{DeviceToken: &token}, flags: model.FlagNewMessage, ok: true}
	provider := &fakeProvider{outcomes: []Outcome{{Action: ActionDisableProvider}}}
	n := newTestNotifier(state, provider)

	n.sendOne(context.Background(), 1)
	assert.True(t, n.providerDisabled)

	provider.calls = 0
	n.sendOne(context.Background(), 1)
	assert.Equal(t, 0, provider.calls, "a disabled provider must not be called again")
}

// TestSend_DropsWhenChannelFull checks the non-blocking try-send
// behavior rather than exercising Run's drain loop (which would need a
// real goroutine and timing assumptions this test avoids).
func TestSend_DropsWhenChannelFull(t *testing.T) {
	n := New(&fakeStateProvider{}, &fakeProvider{}, 1, 1, time.Millisecond, zerolog.Nop())
	n.Send(1)
	n.Send(2) // channel capacity 1: this one must be dropped, not block.
	assert.Len(t, n.high, 1)
}
