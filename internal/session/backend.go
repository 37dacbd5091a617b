package session

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/cache"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// Notifier is the subset of internal/event.Manager's surface SyncVersions
// needs to push a changed-event once a client's reported data-type
// version disagrees with the server's (spec §4.5 S5, spec §4.4 bridge).
type Notifier interface {
	Send(account model.AccountIdInternal, event model.EventToClient) error
}

// Backend is the concrete AuthBackend/Authenticator the session plane
// runs against: refresh-token rotation and access-token lookup through
// storage/cache, and per-data-type version comparison (spec §4.5 S2-S5).
type Backend struct {
	db     storage.Database
	cache  *cache.Cache
	events Notifier
}

func NewBackend(db storage.Database, c *cache.Cache, events Notifier) *Backend {
	return &Backend{db: db, cache: c, events: events}
}

// AccountForAccessToken is Authenticator, resolved purely from the cache
// since access tokens are cache-only (spec §3: "cache-only 256-bit
// random token").
func (b *Backend) AccountForAccessToken(token model.AccessToken) (model.AccountIdInternal, error) {
	entry, err := b.cache.ByAccessToken(token)
	if err != nil {
		return 0, err
	}
	return entry.IdInternal, nil
}

func (b *Backend) VerifyRefreshToken(ctx context.Context, account model.AccountIdInternal, presented model.RefreshToken) error {
	var stored string
	err := b.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
		return tx.QueryRow(ctx, `SELECT refresh_token FROM account_auth WHERE account_id_internal = $1`, []any{&stored}, int64(account))
	})
	if err != nil {
		return apperror.Wrap(apperror.IO, "read refresh token", err)
	}
	if stored != string(presented) {
		return apperror.New(apperror.NotAllowed, "refresh token mismatch")
	}
	return nil
}

func (b *Backend) IssueNewTokenPair(ctx context.Context, account model.AccountIdInternal, peerAddr string) (model.AuthPair, model.EventChan, error) {
	pair, err := model.NewAuthPair()
	if err != nil {
		return model.AuthPair{}, nil, apperror.Wrap(apperror.IO, "mint auth pair", err)
	}

	if err := b.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `UPDATE account_auth SET refresh_token = $1 WHERE account_id_internal = $2`, string(pair.Refresh), int64(account))
	}); err != nil {
		return model.AuthPair{}, nil, apperror.Wrap(apperror.IO, "persist refresh token", err)
	}

	events, err := b.cache.UpdateAccessToken(account, nil, pair.Access, peerAddr)
	if err != nil {
		return model.AuthPair{}, nil, err
	}
	return pair, events, nil
}

// SyncVersions compares every reported (data_type, version) pair against
// storage and, on mismatch, notifies the live connection of the change.
// It never writes the server's stored version, so every mismatch is
// answered as a plain Sync; there is no Reset-and-Sync step. It does not
// return the mismatch set because the event channel is the only consumer
// that matters once the handshake has a live connection.
func (b *Backend) SyncVersions(ctx context.Context, account model.AccountIdInternal, reported map[model.SyncDataType]uint8) error {
	for dataType, reportedVersion := range reported {
		var serverVersion uint8
		err := b.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
			return tx.QueryRow(ctx, `SELECT version FROM sync_version WHERE account_id_internal = $1 AND data_type = $2`, []any{&serverVersion}, int64(account), int(dataType))
		})
		if err != nil {
			continue
		}
		if reportedVersion == serverVersion {
			continue
		}

		kind, ok := syncEventFor(dataType)
		if !ok {
			continue
		}
		if b.events != nil {
			_ = b.events.Send(account, model.EventToClient{Kind: kind, SyncType: dataType})
		}
	}
	return nil
}

func syncEventFor(t model.SyncDataType) (model.EventKind, bool) {
	switch t {
	case model.SyncAccount:
		return model.EventAccountStateChanged, true
	case model.SyncReceivedLikes:
		return model.EventReceivedLikesChanged, true
	case model.SyncProfile:
		return model.EventProfileChanged, true
	case model.SyncMediaContent:
		return model.EventMediaContentChanged, true
	case model.SyncServerMaintenanceIsScheduled:
		return model.EventServerMaintenanceScheduled, true
	default:
		return 0, false
	}
}
