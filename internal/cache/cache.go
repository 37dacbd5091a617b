// Package cache implements C1, the Cache Layer: the in-memory,
// authoritative-for-live-session-state map from AccountId to AccountEntry
// (spec §4.1). Grounded on original_source/crates/server/src/data/cache.rs
// for the entity shape. The AccessToken -> AccountEntry reverse index is
// a plain map guarded by the cache's RWMutex, like the other indexes.
package cache

import (
	"sync"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// ProfileSubRecord mirrors the cache's live-session profile state.
type ProfileSubRecord struct {
	Profile            model.ProfileInternal
	IteratorState       any // opaque handle owned by internal/locationindex
	LocationIndexKey    model.LocationIndexKey
}

// ChatSubRecord mirrors the cache's live-session chat state.
type ChatSubRecord struct {
	PendingNotificationFlags model.PendingNotificationFlags
	ReceivedLikeIdNext       model.ReceivedLikeId
	ConversationIdNext       model.ConversationId
}

// MediaSubRecord mirrors the cache's live-session media state.
type MediaSubRecord struct {
	NextContentProcessingId model.ContentProcessingId
}

// AccountEntry is one account's finely-locked cache record (spec §4.1).
// Sub-records are nil when the corresponding server feature is disabled.
type AccountEntry struct {
	mu sync.RWMutex

	Id         model.AccountId
	IdInternal model.AccountIdInternal
	State      model.AccountState

	AccessToken *model.AccessToken
	PeerAddr    string

	Events model.EventChan

	Profile *ProfileSubRecord
	Chat    *ChatSubRecord
	Media   *MediaSubRecord

	LastSeenUnixSeconds int64
}

// Cache is the C1 Cache Layer.
type Cache struct {
	mu sync.RWMutex

	byAccountId   map[model.AccountId]*AccountEntry
	byInternal    map[model.AccountIdInternal]*AccountEntry
	byAccessToken map[model.AccessToken]*AccountEntry
	// byPeerFamily sanity-checks WebSocket reconnects from the same
	// account arrive from a consistent peer address family, per §4.1.
	byPeerFamily map[model.AccountIdInternal]string
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		byAccountId:   make(map[model.AccountId]*AccountEntry),
		byInternal:    make(map[model.AccountIdInternal]*AccountEntry),
		byAccessToken: make(map[model.AccessToken]*AccountEntry),
		byPeerFamily:  make(map[model.AccountIdInternal]string),
	}
}

// ToAccountIdInternal resolves a public AccountId to its internal row id.
func (c *Cache) ToAccountIdInternal(id model.AccountId) (model.AccountIdInternal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byAccountId[id]
	if !ok {
		return 0, apperror.New(apperror.KeyNotExists, "account id not in cache")
	}
	return e.IdInternal, nil
}

// AccountExists reports whether id is present in the cache.
func (c *Cache) AccountExists(id model.AccountId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byAccountId[id]
	return ok
}

// ByAccessToken resolves the live AccountEntry for an access token in
// O(1), used by the authentication boundary.
func (c *Cache) ByAccessToken(token model.AccessToken) (*AccountEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byAccessToken[token]
	if !ok {
		return nil, apperror.New(apperror.KeyNotExists, "access token not live")
	}
	return e, nil
}

// ByInternal resolves the AccountEntry for an internal id.
func (c *Cache) ByInternal(id model.AccountIdInternal) (*AccountEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byInternal[id]
	if !ok {
		return nil, apperror.New(apperror.KeyNotExists, "account not in cache")
	}
	return e, nil
}

// LoadAccountFromDB idempotently hydrates the cache with persistent
// state for an account that has not been accessed this process lifetime
// (spec §4.1 "load_account_from_db"). Calling it twice for the same
// account is a no-op on the second call.
func (c *Cache) LoadAccountFromDB(id model.AccountId, internal model.AccountIdInternal, state model.AccountState) *AccountEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byAccountId[id]; ok {
		return e
	}

	e := &AccountEntry{
		Id:         id,
		IdInternal: internal,
		State:      state,
	}
	c.byAccountId[id] = e
	c.byInternal[internal] = e
	return e
}

// UpdateAccessToken atomically swaps the account's live access token and
// hands back a fresh event channel, dropping the old one so any stale
// WebSocket learns to quit (spec §4.1). Fails with AlreadyExists if
// newToken collides with another account's live token.
func (c *Cache) UpdateAccessToken(internal model.AccountIdInternal, previous *model.AccessToken, newToken model.AccessToken, peerAddr string) (model.EventChan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byInternal[internal]
	if !ok {
		return nil, apperror.New(apperror.KeyNotExists, "account not in cache")
	}

	if holder, exists := c.byAccessToken[newToken]; exists && holder != e {
		return nil, apperror.New(apperror.AlreadyExists, "access token collision")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if previous != nil {
		delete(c.byAccessToken, *previous)
	} else if e.AccessToken != nil {
		delete(c.byAccessToken, *e.AccessToken)
	}

	tok := newToken
	e.AccessToken = &tok
	e.PeerAddr = peerAddr
	c.byAccessToken[newToken] = e
	c.byPeerFamily[internal] = peerAddr

	events := model.NewEventChan()
	e.Events = events
	return events, nil
}

// ReadCache runs f against the entry with a read lock held.
func (c *Cache) ReadCache(id model.AccountIdInternal, f func(*AccountEntry) error) error {
	e, err := c.ByInternal(id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return f(e)
}

// WriteCache runs f against the entry with a write lock held.
func (c *Cache) WriteCache(id model.AccountIdInternal, f func(*AccountEntry) error) error {
	e, err := c.ByInternal(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return f(e)
}

// ForEachChatAccount calls f once per account with a live ChatSubRecord,
// passing its current pending-notification flags. Used by the push
// notifier's shutdown flush (spec §4.8's closing paragraph), where
// every cached flag set needs to reach durable storage before the
// process exits.
func (c *Cache) ForEachChatAccount(f func(model.AccountIdInternal, model.PendingNotificationFlags)) error {
	c.mu.RLock()
	entries := make([]*AccountEntry, 0, len(c.byInternal))
	for _, e := range c.byInternal {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.mu.RLock()
		chat := e.Chat
		internal := e.IdInternal
		e.mu.RUnlock()
		if chat != nil {
			f(internal, chat.PendingNotificationFlags)
		}
	}
	return nil
}

// EventChanFor returns the account's current event channel (may be nil
// if no WebSocket session is live), copying out the channel handle under
// a read lock so the caller never sends on a channel while holding the
// entry's lock (spec §9: copy the sender handle out before sending).
func (e *AccountEntry) EventChanFor() model.EventChan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Events
}

// PeerFamilyMatches sanity-checks a reconnect's peer address against the
// last-seen family for this account (spec §4.1).
func (c *Cache) PeerFamilyMatches(internal model.AccountIdInternal, peerAddr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prev, ok := c.byPeerFamily[internal]
	if !ok {
		return true
	}
	return peerFamily(prev) == peerFamily(peerAddr)
}

// peerFamily reduces an address to its IPv4/IPv6-ness so NAT'd mobile
// clients reconnecting through a different port still match.
func peerFamily(addr string) string {
	colons := 0
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			colons++
		}
	}
	if colons > 1 {
		return "v6"
	}
	return "v4"
}
