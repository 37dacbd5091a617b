package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

func TestLoadAccountFromDB_IdempotentOnSecondCall(t *testing.T) {
	c := New()
	first := c.LoadAccountFromDB("acc-1", 1, model.AccountState(0))
	second := c.LoadAccountFromDB("acc-1", 1, model.AccountState(0))
	assert.Same(t, first, second, "second load for the same account must return the same entry")
}

func TestUpdateAccessToken_RejectsCollisionWithAnotherAccount(t *testing.T) {
	c := New()
	c.LoadAccountFromDB("acc-1", 1, model.AccountState(0))
	c.LoadAccountFromDB("acc-2", 2, model.AccountState(0))

	_, err := c.UpdateAccessToken(1, nil, "shared-token", "1.2.3.4:1")
	require.NoError(t, err)

	_, err = c.UpdateAccessToken(2, nil, "shared-token", "5.6.7.8:2")
	require.Error(t, err)
	assert.True(t, apperror.Of(err, apperror.AlreadyExists))

	entry, err := c.ByAccessToken("shared-token")
	require.NoError(t, err)
	assert.Equal(t, model.AccountIdInternal(1), entry.IdInternal, "token must still resolve to its original owner")
}

// TestUpdateAccessToken_ConcurrentRotationsStayUnique drives many
// goroutines rotating distinct tokens for distinct accounts at once and
// checks the byAccessToken index never ends up with two accounts
// pointing at the same live token (spec §8 token-uniqueness property).
func TestUpdateAccessToken_ConcurrentRotationsStayUnique(t *testing.T) {
	c := New()
	const accounts = 50
	for i := 0; i < accounts; i++ {
		internal := model.AccountIdInternal(i + 1)
		c.LoadAccountFromDB(model.AccountId(fmt.Sprintf("acc-%d", i)), internal, model.AccountState(0))
	}

	var wg sync.WaitGroup
	for i := 0; i < accounts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			internal := model.AccountIdInternal(i + 1)
			token := model.AccessToken(fmt.Sprintf("token-%d", i))
			_, _ = c.UpdateAccessToken(internal, nil, token, "127.0.0.1:0")
		}(i)
	}
	wg.Wait()

	c.mu.RLock()
	seen := make(map[model.AccountIdInternal]bool, len(c.byAccessToken))
	for _, e := range c.byAccessToken {
		assert.False(t, seen[e.IdInternal], "each account must own at most one live token")
		seen[e.IdInternal] = true
	}
	c.mu.RUnlock()
}

func TestUpdateAccessToken_RotationDropsPreviousToken(t *testing.T) {
	c := New()
	c.LoadAccountFromDB("acc-1", 1, model.AccountState(0))

	_, err := c.UpdateAccessToken(1, nil, "old-token", "1.2.3.4:1")
	require.NoError(t, err)

	old := model.AccessToken("old-token")
	_, err = c.UpdateAccessToken(1, &old, "new-token", "1.2.3.4:1")
	require.NoError(t, err)

	_, err = c.ByAccessToken("old-token")
	assert.True(t, apperror.Of(err, apperror.KeyNotExists))

	entry, err := c.ByAccessToken("new-token")
	require.NoError(t, err)
	assert.Equal(t, model.AccountIdInternal(1), entry.IdInternal)
}

func TestPeerFamilyMatches(t *testing.T) {
	c := New()
	c.LoadAccountFromDB("acc-1", 1, model.AccountState(0))
	_, err := c.UpdateAccessToken(1, nil, "tok", "203.0.113.5:9000")
	require.NoError(t, err)

	assert.True(t, c.PeerFamilyMatches(1, "203.0.113.9:1234"), "same v4 family must match")
	assert.False(t, c.PeerFamilyMatches(1, "[2001:db8::1]:1234"), "v6 reconnect must not match a v4 session")
}

func TestForEachChatAccount_OnlyVisitsLiveChatRecords(t *testing.T) {
	c := New()
	withChat := c.LoadAccountFromDB("acc-1", 1, model.AccountState(0))
	c.LoadAccountFromDB("acc-2", 2, model.AccountState(0))
	withChat.Chat = &ChatSubRecord{PendingNotificationFlags: model.FlagNewMessage}

	visited := map[model.AccountIdInternal]model.PendingNotificationFlags{}
	err := c.ForEachChatAccount(func(id model.AccountIdInternal, flags model.PendingNotificationFlags) {
		visited[id] = flags
	})
	require.NoError(t, err)
	require.Len(t, visited, 1)
	assert.Equal(t, model.FlagNewMessage, visited[1])
}
