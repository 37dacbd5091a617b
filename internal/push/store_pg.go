package push

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/cache"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// CacheStateProvider is the concrete StateProvider: the pending flags
// that trigger a send live in the cache's ChatSubRecord, the same
// authoritative copy the WebSocket connection clears on ack (spec
// §4.1/§4.4); the device token and the "already sent" flag used for the
// no-duplicate invariant (spec §4.8, E10) live in storage so they
// survive a restart.
type CacheStateProvider struct {
	cache *cache.Cache
	db    storage.Database
}

func NewCacheStateProvider(c *cache.Cache, db storage.Database) *CacheStateProvider {
	return &CacheStateProvider{cache: c, db: db}
}

func (p *CacheStateProvider) GetAndAddNotification(ctx context.Context, account model.AccountIdInternal) (StateInfo, model.PendingNotificationFlags, bool, error) {
	var flags model.PendingNotificationFlags
	err := p.cache.ReadCache(account, func(e *cache.AccountEntry) error {
		if e.Chat != nil {
			flags = e.Chat.PendingNotificationFlags
		}
		return nil
	})
	if err != nil {
		return StateInfo{}, 0, false, err
	}
	if flags.Empty() {
		return StateInfo{}, 0, false, nil
	}

	var deviceToken *string
	var sent bool
	err = p.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
		return tx.QueryRow(ctx, `SELECT device_token, fcm_sent FROM account_push_state WHERE account_id_internal = $1`, []any{&deviceToken, &sent}, int64(account))
	})
	if err != nil {
		return StateInfo{}, flags, true, nil
	}
	return StateInfo{DeviceToken: deviceToken, FcmNotificationSent: sent}, flags, true, nil
}

func (p *CacheStateProvider) EnableNotificationSentFlag(ctx context.Context, account model.AccountIdInternal) error {
	return p.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `
			INSERT INTO account_push_state (account_id_internal, fcm_sent)
			VALUES ($1, true)
			ON CONFLICT (account_id_internal) DO UPDATE SET fcm_sent = true
		`, int64(account))
	})
}

func (p *CacheStateProvider) RemoveDeviceToken(ctx context.Context, account model.AccountIdInternal) error {
	return p.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `UPDATE account_push_state SET device_token = NULL WHERE account_id_internal = $1`, int64(account))
	})
}

func (p *CacheStateProvider) ClearFlags(ctx context.Context, account model.AccountIdInternal, flags model.PendingNotificationFlags) error {
	return p.cache.WriteCache(account, func(e *cache.AccountEntry) error {
		if e.Chat != nil {
			e.Chat.PendingNotificationFlags = e.Chat.PendingNotificationFlags.Clear(flags)
		}
		return nil
	})
}

// SavePendingFlagsToDatabase is called once at shutdown to flush every
// cached flag set to durable storage (spec §4.8's closing paragraph).
// It is intentionally best-effort per account: one failed row should
// not abort the rest of the flush.
func (p *CacheStateProvider) SavePendingFlagsToDatabase(ctx context.Context) error {
	return p.cache.ForEachChatAccount(func(account model.AccountIdInternal, flags model.PendingNotificationFlags) {
		_ = p.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
			return tx.Exec(ctx, `
				INSERT INTO account_pending_flags (account_id_internal, flags)
				VALUES ($1, $2)
				ON CONFLICT (account_id_internal) DO UPDATE SET flags = EXCLUDED.flags
			`, int64(account), uint32(flags))
		})
	})
}
