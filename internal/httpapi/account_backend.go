package httpapi

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/cache"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// AccountBackend is the concrete Registrar and LoginBackend: it owns the
// one piece of account lifecycle the REST boundary needs directly
// (creating the row, minting the first auth pair) rather than routing
// through internal/session, which only handles an already-registered
// account's WebSocket handshake.
type AccountBackend struct {
	db    storage.Database
	cache *cache.Cache
}

func NewAccountBackend(db storage.Database, c *cache.Cache) *AccountBackend {
	return &AccountBackend{db: db, cache: c}
}

// Register inserts a new account row in AccountStateInitialSetup and
// hydrates the cache, per spec §3's Account entity and §4.1's
// load-on-first-access rule.
func (b *AccountBackend) Register(ctx context.Context) (model.AccountId, error) {
	id := model.NewAccountId()

	var internal int64
	err := b.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO account (account_id, state, created_at)
			VALUES ($1, $2, now())
			RETURNING id_internal
		`, []any{&internal}, string(id), int(model.AccountStateInitialSetup))
	})
	if err != nil {
		return "", apperror.Wrap(apperror.IO, "insert account", err)
	}

	b.cache.LoadAccountFromDB(id, model.AccountIdInternal(internal), model.AccountStateInitialSetup)
	return id, nil
}

// Login mints a fresh AuthPair for an already-registered account and
// persists its refresh token, matching internal/session.Backend's
// IssueNewTokenPair semantics for the non-WebSocket login path (spec
// §6: "POST /account_api/login").
func (b *AccountBackend) Login(ctx context.Context, account model.AccountId) (model.AuthPair, error) {
	internal, err := b.cache.ToAccountIdInternal(account)
	if err != nil {
		var state int
		qErr := b.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
			var idInternal int64
			if err := tx.QueryRow(ctx, `SELECT id_internal, state FROM account WHERE account_id = $1`, []any{&idInternal, &state}, string(account)); err != nil {
				return err
			}
			internal = model.AccountIdInternal(idInternal)
			return nil
		})
		if qErr != nil {
			return model.AuthPair{}, apperror.New(apperror.KeyNotExists, "unknown account")
		}
		b.cache.LoadAccountFromDB(account, internal, model.AccountState(state))
	}

	pair, err := model.NewAuthPair()
	if err != nil {
		return model.AuthPair{}, err
	}

	if err := b.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `
			INSERT INTO account_auth (account_id_internal, refresh_token)
			VALUES ($1, $2)
			ON CONFLICT (account_id_internal) DO UPDATE SET refresh_token = EXCLUDED.refresh_token
		`, int64(internal), string(pair.Refresh))
	}); err != nil {
		return model.AuthPair{}, apperror.Wrap(apperror.IO, "persist refresh token", err)
	}

	if _, err := b.cache.UpdateAccessToken(internal, nil, pair.Access, ""); err != nil {
		return model.AuthPair{}, err
	}

	return pair, nil
}
