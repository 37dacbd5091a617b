package event

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// PgFlagStore is the storage-backed FlagStore (spec §4.4: "Bits persist
// to storage so a disconnected client's outstanding notifications
// survive a restart"). The interface carries no context, matching the
// pending-flag bookkeeping's call sites (recordPendingFlag/AckFlags),
// which run off the event-delivery path rather than a request.
type PgFlagStore struct {
	db storage.Database
}

func NewPgFlagStore(db storage.Database) *PgFlagStore { return &PgFlagStore{db: db} }

func (s *PgFlagStore) SetPendingFlags(account model.AccountIdInternal, flags model.PendingNotificationFlags) error {
	ctx := context.Background()
	return s.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `
			INSERT INTO account_pending_flags (account_id_internal, flags)
			VALUES ($1, $2)
			ON CONFLICT (account_id_internal) DO UPDATE SET flags = EXCLUDED.flags
		`, int64(account), uint32(flags))
	})
}

func (s *PgFlagStore) GetPendingFlags(account model.AccountIdInternal) (model.PendingNotificationFlags, error) {
	ctx := context.Background()
	var flags uint32
	err := s.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
		return tx.QueryRow(ctx, `SELECT flags FROM account_pending_flags WHERE account_id_internal = $1`, []any{&flags}, int64(account))
	})
	if err != nil {
		return 0, nil
	}
	return model.PendingNotificationFlags(flags), nil
}
