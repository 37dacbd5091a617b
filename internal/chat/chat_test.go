package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/writerunner"
)

// fakeStore is an in-memory chat.Store good enough to drive Pipeline
// through its transitions without a real database.
type fakeStore struct {
	mu           sync.Mutex
	interactions map[[2]model.AccountIdInternal]model.AccountInteraction
	nextMatchId  int64
	nextLikeId   map[model.AccountIdInternal]int64
	publicKeys   map[model.AccountIdInternal]model.PublicKey

	receiverMissing int
	senderMissing   int
	ackRemaining    int
	insertBlocked   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		interactions: map[[2]model.AccountIdInternal]model.AccountInteraction{},
		nextLikeId:   map[model.AccountIdInternal]int64{},
		publicKeys:   map[model.AccountIdInternal]model.PublicKey{},
	}
}

func (s *fakeStore) GetOrCreateInteraction(tx storage.TransactionCtx, a, b model.AccountIdInternal) (model.AccountInteraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := pairKey(a, b)
	key := [2]model.AccountIdInternal{lo, hi}
	if v, ok := s.interactions[key]; ok {
		return v, nil
	}
	v := model.AccountInteraction{IdSender: lo, IdReceiver: hi, State: model.InteractionEmpty}
	s.interactions[key] = v
	return v, nil
}

func (s *fakeStore) UpdateInteraction(tx storage.TransactionCtx, interaction model.AccountInteraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := pairKey(interaction.IdSender, interaction.IdReceiver)
	s.interactions[[2]model.AccountIdInternal{lo, hi}] = interaction
	return nil
}

func (s *fakeStore) NextMatchId(tx storage.TransactionCtx) (model.MatchId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMatchId++
	return model.MatchId(s.nextMatchId), nil
}

func (s *fakeStore) NextReceivedLikeId(tx storage.TransactionCtx, receiver model.AccountIdInternal) (model.ReceivedLikeId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLikeId[receiver]++
	return model.ReceivedLikeId(s.nextLikeId[receiver]), nil
}

func (s *fakeStore) CurrentPublicKey(tx storage.TransactionCtx, account model.AccountIdInternal, version model.PublicKeyVersion) (*model.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.publicKeys[account]
	if !ok || key.Version != version {
		return nil, nil
	}
	return &key, nil
}

func (s *fakeStore) ReceiverAcknowledgementsMissing(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal) (int, error) {
	return s.receiverMissing, nil
}

func (s *fakeStore) SenderAcknowledgementsMissing(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal) (int, error) {
	return s.senderMissing, nil
}

func (s *fakeStore) InsertPendingMessage(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal, content []byte, clientId model.ClientId, clientLocalId model.ClientLocalId) (model.MessageNumber, error) {
	if s.insertBlocked {
		return 0, apperror.New(apperror.NotAllowed, "not a match or blocked")
	}
	return model.MessageNumber(1), nil
}

func (s *fakeStore) AckReceived(tx storage.TransactionCtx, receiver model.AccountIdInternal, ids []model.PendingMessageId) (int, error) {
	return s.ackRemaining, nil
}

func (s *fakeStore) AckSent(tx storage.TransactionCtx, sender model.AccountIdInternal, ids []model.SentMessageId) error {
	return nil
}

// fakeDatabase satisfies storage.Database, handing WriteFunc closures a
// no-op TransactionCtx since fakeStore never touches it.
type fakeDatabase struct{}

func (fakeDatabase) WithTransaction(ctx context.Context, fn func(storage.TransactionCtx) error) error {
	return fn(noopTx{})
}
func (fakeDatabase) WithReadOnly(ctx context.Context, fn func(storage.TransactionCtx) error) error {
	return fn(noopTx{})
}
func (fakeDatabase) Close() {}

type noopTx struct{}

func (noopTx) Exec(ctx context.Context, sql string, args ...any) error { return nil }
func (noopTx) QueryRow(ctx context.Context, sql string, dest []any, args ...any) error {
	return nil
}
func (noopTx) Query(ctx context.Context, sql string, fn func(scan func(dest ...any) error) error, args ...any) error {
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []model.EventToClient
	sentTo    []model.AccountIdInternal
	ackFlags  []model.PendingNotificationFlags
	ackFlagTo []model.AccountIdInternal
}

func (n *fakeNotifier) Send(account model.AccountIdInternal, event model.EventToClient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sentTo = append(n.sentTo, account)
	n.sent = append(n.sent, event)
	return nil
}

func (n *fakeNotifier) AckFlags(account model.AccountIdInternal, cleared model.PendingNotificationFlags) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ackFlagTo = append(n.ackFlagTo, account)
	n.ackFlags = append(n.ackFlags, cleared)
	return nil
}

func newTestPipeline(t *testing.T, store Store, notifier Notifier) *Pipeline {
	t.Helper()
	serial := writerunner.NewSerialRunner(fakeDatabase{}, zerolog.Nop(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	serial.Start(ctx)
	t.Cleanup(func() {
		serial.Stop()
		cancel()
	})
	return New(store, serial, notifier)
}

const (
	accountA model.AccountIdInternal = 1
	accountB model.AccountIdInternal = 2
)

func TestLikeOrMatch_EmptyToLikeToMatch(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	p := newTestPipeline(t, store, notifier)
	ctx := context.Background()

	change, err := p.LikeOrMatch(ctx, accountA, accountB)
	require.NoError(t, err)
	assert.False(t, change.BecameMatch)

	interaction, err := store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.Equal(t, model.InteractionLike, interaction.State)
	assert.Equal(t, accountA, interaction.IdSender)

	// B likes back: promotes to Match and assigns a match id.
	change, err = p.LikeOrMatch(ctx, accountB, accountA)
	require.NoError(t, err)
	assert.True(t, change.BecameMatch)

	interaction, err = store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.Equal(t, model.InteractionMatch, interaction.State)
	require.NotNil(t, interaction.MatchId)

	require.Len(t, notifier.sent, 3)
	assert.Equal(t, model.EventReceivedLikesChanged, notifier.sent[0].Kind)
	assert.Equal(t, model.EventMatchesChanged, notifier.sent[1].Kind)
	assert.Equal(t, model.EventMatchesChanged, notifier.sent[2].Kind)
}

func TestLikeOrMatch_DuplicateLikeIsAlreadyDone(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	_, err := p.LikeOrMatch(ctx, accountA, accountB)
	require.NoError(t, err)

	_, err = p.LikeOrMatch(ctx, accountA, accountB)
	assert.True(t, apperror.Of(err, apperror.AlreadyDone))
}

func TestLikeOrMatch_AlreadyMatchedIsAlreadyDone(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	_, err := p.LikeOrMatch(ctx, accountA, accountB)
	require.NoError(t, err)
	_, err = p.LikeOrMatch(ctx, accountB, accountA)
	require.NoError(t, err)

	_, err = p.LikeOrMatch(ctx, accountA, accountB)
	assert.True(t, apperror.Of(err, apperror.AlreadyDone))
}

func TestUnlike_OnlyOriginalSenderMayDelete(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	_, err := p.LikeOrMatch(ctx, accountA, accountB)
	require.NoError(t, err)

	err = p.Unlike(ctx, accountB, accountA)
	assert.True(t, apperror.Of(err, apperror.NotAllowed))

	interaction, err := store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.Equal(t, model.InteractionLike, interaction.State, "rejected unlike must not mutate state")
}

func TestUnlike_TransitionsToEmptyAndRecordsDeleter(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	_, err := p.LikeOrMatch(ctx, accountA, accountB)
	require.NoError(t, err)

	err = p.Unlike(ctx, accountA, accountB)
	require.NoError(t, err)

	interaction, err := store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.Equal(t, model.InteractionEmpty, interaction.State)
	require.NotNil(t, interaction.PreviousLikeDeleter[0])
	assert.Equal(t, accountA, *interaction.PreviousLikeDeleter[0])
	assert.Nil(t, interaction.PreviousLikeDeleter[1])
}

func TestUnlike_NoActiveLikeIsAlreadyDone(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	err := p.Unlike(ctx, accountA, accountB)
	assert.True(t, apperror.Of(err, apperror.AlreadyDone))
}

// TestUnlike_LimitEnforcedAfterTwoSlots drives the pair through
// like/unlike twice, filling both previous_like_deleter slots, then
// checks a third delete attempt is rejected even though the current
// state is again a live Like (spec §4.6, §8 E3).
func TestUnlike_LimitEnforcedAfterTwoSlots(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.LikeOrMatch(ctx, accountA, accountB)
		require.NoError(t, err)
		err = p.Unlike(ctx, accountA, accountB)
		require.NoError(t, err)
	}

	interaction, err := store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	require.NotNil(t, interaction.PreviousLikeDeleter[0])
	require.NotNil(t, interaction.PreviousLikeDeleter[1])

	_, err = p.LikeOrMatch(ctx, accountA, accountB)
	require.NoError(t, err)

	err = p.Unlike(ctx, accountA, accountB)
	assert.True(t, apperror.Of(err, apperror.AlreadyDone))

	interaction, err = store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.Equal(t, model.InteractionLike, interaction.State, "rejected third unlike must not mutate state")
}

func TestSendMessage_PublicKeyOutdated(t *testing.T) {
	store := newFakeStore()
	store.publicKeys[accountB] = model.PublicKey{Account: accountB, Version: 1, Id: 5}
	p := newTestPipeline(t, store, &fakeNotifier{})

	outcome, err := p.SendMessage(context.Background(), accountA, accountB, []byte("hi"), 999, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, SendMessagePublicKeyOutdated, outcome)
}

func TestSendMessage_TooManyReceiverAcks(t *testing.T) {
	store := newFakeStore()
	store.publicKeys[accountB] = model.PublicKey{Account: accountB, Version: 1, Id: 5}
	store.receiverMissing = maxAcknowledgementsMissing
	p := newTestPipeline(t, store, &fakeNotifier{})

	outcome, err := p.SendMessage(context.Background(), accountA, accountB, []byte("hi"), 5, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, SendMessageTooManyReceiverAcks, outcome)
}

func TestSendMessage_TooManySenderAcks(t *testing.T) {
	store := newFakeStore()
	store.publicKeys[accountB] = model.PublicKey{Account: accountB, Version: 1, Id: 5}
	store.senderMissing = maxAcknowledgementsMissing
	p := newTestPipeline(t, store, &fakeNotifier{})

	outcome, err := p.SendMessage(context.Background(), accountA, accountB, []byte("hi"), 5, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, SendMessageTooManySenderAcks, outcome)
}

func TestSendMessage_Successful(t *testing.T) {
	store := newFakeStore()
	store.publicKeys[accountB] = model.PublicKey{Account: accountB, Version: 1, Id: 5}
	notifier := &fakeNotifier{}
	p := newTestPipeline(t, store, notifier)

	outcome, err := p.SendMessage(context.Background(), accountA, accountB, []byte("hi"), 5, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, SendMessageSuccessful, outcome)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, model.EventNewMessageReceived, notifier.sent[0].Kind)
	assert.Equal(t, accountB, notifier.sentTo[0])
}

func TestSendMessage_ReceiverBlockedOrNotFound(t *testing.T) {
	store := newFakeStore()
	store.publicKeys[accountB] = model.PublicKey{Account: accountB, Version: 1, Id: 5}
	store.insertBlocked = true
	p := newTestPipeline(t, store, &fakeNotifier{})

	outcome, err := p.SendMessage(context.Background(), accountA, accountB, []byte("hi"), 5, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, SendMessageReceiverBlockedOrNotFound, outcome)
}

// TestAckReceived_ClearsFlagOnlyWhenNothingRemains covers the double-ack
// delete invariant's client-visible half: the pending new-message flag
// only clears once the receiver's queue is empty (spec §8 property 3).
func TestAckReceived_ClearsFlagOnlyWhenNothingRemains(t *testing.T) {
	store := newFakeStore()
	store.ackRemaining = 2
	notifier := &fakeNotifier{}
	p := newTestPipeline(t, store, notifier)

	err := p.AckReceived(context.Background(), accountB, []model.PendingMessageId{{Sender: "a", MessageNumber: 1}})
	require.NoError(t, err)
	assert.Empty(t, notifier.ackFlagTo, "flag must not clear while messages remain")

	store.ackRemaining = 0
	err = p.AckReceived(context.Background(), accountB, []model.PendingMessageId{{Sender: "a", MessageNumber: 2}})
	require.NoError(t, err)
	require.Len(t, notifier.ackFlagTo, 1)
	assert.Equal(t, accountB, notifier.ackFlagTo[0])
	assert.Equal(t, model.FlagNewMessage, notifier.ackFlags[0])
}

func TestBlockUnblock_RecomputesTwoWayBlock(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})
	ctx := context.Background()

	require.NoError(t, p.Block(ctx, accountA, accountB))
	require.NoError(t, p.Block(ctx, accountB, accountA))

	interaction, err := store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.True(t, interaction.TwoWayBlock)

	require.NoError(t, p.Unblock(ctx, accountA, accountB))
	interaction, err = store.GetOrCreateInteraction(nil, accountA, accountB)
	require.NoError(t, err)
	assert.False(t, interaction.TwoWayBlock)
}

func TestUnblock_NotBlockedIsNotAllowed(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, &fakeNotifier{})

	err := p.Unblock(context.Background(), accountA, accountB)
	assert.True(t, apperror.Of(err, apperror.NotAllowed))
}
