package moderation

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	enqueued    map[model.ContentId]bool
	decisions   []model.ClassifierDecision
	inProgress  map[model.AccountIdInternal]int
	claimResult *model.ModerationQueueItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{enqueued: map[model.ContentId]bool{}, inProgress: map[model.AccountIdInternal]int{}}
}

func (s *fakeStore) Enqueue(ctx context.Context, item model.ModerationQueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueued[item.ContentId] {
		return true, nil
	}
	s.enqueued[item.ContentId] = true
	return false, nil
}

func (s *fakeStore) Dequeue(ctx context.Context, queue model.ModerationQueueType, maxItems int) ([]model.ModerationQueueItem, error) {
	return nil, nil
}

func (s *fakeStore) RecordDecision(ctx context.Context, item model.ModerationQueueItem, decision model.ClassifierDecision, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
	return nil
}

func (s *fakeStore) ClaimForModerator(ctx context.Context, moderator model.AccountIdInternal, queue model.ModerationQueueType) (*model.ModerationQueueItem, error) {
	return s.claimResult, nil
}

func (s *fakeStore) InProgressCount(ctx context.Context, moderator model.AccountIdInternal) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress[moderator], nil
}

func (s *fakeStore) RecordHumanDecision(ctx context.Context, item model.ModerationQueueItem, moderator model.AccountIdInternal, accept bool, reason string) error {
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []model.EventKind
}

func (n *fakeNotifier) Send(account model.AccountIdInternal, event model.EventToClient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, event.Kind)
	return nil
}

type fixedClassifier struct {
	name     string
	decision model.ClassifierDecision
}

func (f fixedClassifier) Name() string { return f.name }
func (f fixedClassifier) Classify(ctx context.Context, item model.ModerationQueueItem) (model.ClassifierDecision, error) {
	return f.decision, nil
}

// TestResolveOne_PrecedenceWinsOverOrder checks that when classifiers
// disagree, the highest-precedence decision wins regardless of which
// classifier ran first (spec §8 moderation-precedence property).
func TestResolveOne_PrecedenceWinsOverOrder(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	chain := []Classifier{
		fixedClassifier{name: "llm-a", decision: model.DecisionAccept},
		fixedClassifier{name: "nsfw", decision: model.DecisionDelete},
		fixedClassifier{name: "llm-b", decision: model.DecisionMoveToHuman},
	}
	e := New(store, notifier, chain, Config{}, zerolog.Nop())

	item := model.ModerationQueueItem{ContentId: "content-1", Queue: model.QueueMediaModeration}
	e.resolveOne(context.Background(), item)

	require.Len(t, store.decisions, 1)
	assert.Equal(t, model.DecisionDelete, store.decisions[0], "delete outranks accept and move-to-human")
}

// TestResolveOne_NsfwSkippedForProfileText checks the nsfw classifier is
// only consulted for media items (ContentId non-empty).
func TestResolveOne_NsfwSkippedForProfileText(t *testing.T) {
	store := newFakeStore()
	chain := []Classifier{
		fixedClassifier{name: "nsfw", decision: model.DecisionDelete},
		fixedClassifier{name: "llm-a", decision: model.DecisionAccept},
	}
	e := New(store, &fakeNotifier{}, chain, Config{}, zerolog.Nop())

	item := model.ModerationQueueItem{ProfileText: "hello", Queue: model.QueueProfileStringModeration}
	e.resolveOne(context.Background(), item)

	require.Len(t, store.decisions, 1)
	assert.Equal(t, model.DecisionAccept, store.decisions[0])
}

func TestResolveOne_FallsBackToDefaultActionWhenAllIgnore(t *testing.T) {
	store := newFakeStore()
	chain := []Classifier{
		fixedClassifier{name: "llm-a", decision: model.DecisionIgnore},
	}
	e := New(store, &fakeNotifier{}, chain, Config{DefaultAction: model.DefaultReject}, zerolog.Nop())

	item := model.ModerationQueueItem{ContentId: "content-2", Queue: model.QueueMediaModeration}
	e.resolveOne(context.Background(), item)

	require.Len(t, store.decisions, 1)
	assert.Equal(t, model.DecisionReject, store.decisions[0])
}

func TestSubmit_IdempotentForAlreadyQueuedItem(t *testing.T) {
	store := newFakeStore()
	e := New(store, &fakeNotifier{}, nil, Config{}, zerolog.Nop())

	item := model.ModerationQueueItem{ContentId: "dup", Queue: model.QueueInitialMediaModeration}
	require.NoError(t, e.Submit(context.Background(), item))
	require.NoError(t, e.Submit(context.Background(), item))

	assert.True(t, store.enqueued["dup"])
}

func TestClaimNext_RejectsOnceModeratorAtCapacity(t *testing.T) {
	store := newFakeStore()
	store.inProgress[7] = model.MaxInProgressPerModerator
	e := New(store, &fakeNotifier{}, nil, Config{}, zerolog.Nop())

	_, err := e.ClaimNext(context.Background(), 7, model.QueueMediaModeration)
	assert.ErrorIs(t, err, ErrModeratorAtCapacity)
}

func TestClaimNext_AllowedBelowCapacity(t *testing.T) {
	store := newFakeStore()
	store.inProgress[7] = model.MaxInProgressPerModerator - 1
	store.claimResult = &model.ModerationQueueItem{ContentId: "next"}
	e := New(store, &fakeNotifier{}, nil, Config{}, zerolog.Nop())

	item, err := e.ClaimNext(context.Background(), 7, model.QueueMediaModeration)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, model.ContentId("next"), item.ContentId)
}

func TestHumanDecide_AlwaysNotifiesRegardlessOfPriorBotDecision(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := New(store, notifier, nil, Config{}, zerolog.Nop())

	item := model.ModerationQueueItem{ContentId: "c", Account: 1, Queue: model.QueueMediaModeration}
	require.NoError(t, e.HumanDecide(context.Background(), item, 9, true, ""))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, model.EventContentModerationCompleted, notifier.sent[0])
}
