package moderation

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// PgStore is the concrete Store: one moderation_queue table whose queue
// column holds the model.ModerationQueueType, with claimed_by/claimed_at
// columns recording a moderator's claim (spec §4.7, §3's Moderation
// entity). The per-moderator in-progress cap is enforced by
// Engine.ClaimNext through InProgressCount, not by the table.
type PgStore struct {
	db storage.Database
}

func NewPgStore(db storage.Database) *PgStore { return &PgStore{db: db} }

func (s *PgStore) Enqueue(ctx context.Context, item model.ModerationQueueItem) (bool, error) {
	var alreadyQueued bool
	err := s.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		var count int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM moderation_queue
			WHERE account = $1 AND content_id = $2 AND queue = $3 AND resolved_at IS NULL
		`, []any{&count}, int64(item.Account), string(item.ContentId), int(item.Queue)); err != nil {
			return err
		}
		if count > 0 {
			alreadyQueued = true
			return nil
		}
		return tx.Exec(ctx, `
			INSERT INTO moderation_queue (account, content_id, profile_text, queue, submitted_at)
			VALUES ($1, $2, $3, $4, $5)
		`, int64(item.Account), string(item.ContentId), item.ProfileText, int(item.Queue), item.SubmittedAt)
	})
	return alreadyQueued, err
}

func (s *PgStore) Dequeue(ctx context.Context, queue model.ModerationQueueType, maxItems int) ([]model.ModerationQueueItem, error) {
	var items []model.ModerationQueueItem
	err := s.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
		return tx.Query(ctx, `
			SELECT account, content_id, profile_text, queue, submitted_at
			FROM moderation_queue
			WHERE queue = $1 AND resolved_at IS NULL AND claimed_by IS NULL
			ORDER BY submitted_at ASC LIMIT $2
		`, func(scan func(dest ...any) error) error {
			var item model.ModerationQueueItem
			var contentId string
			if err := scan(&item.Account, &contentId, &item.ProfileText, &item.Queue, &item.SubmittedAt); err != nil {
				return err
			}
			item.ContentId = model.ContentId(contentId)
			items = append(items, item)
			return nil
		}, int(queue), maxItems)
	})
	return items, err
}

func (s *PgStore) RecordDecision(ctx context.Context, item model.ModerationQueueItem, decision model.ClassifierDecision, details string) error {
	return s.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `
			UPDATE moderation_queue SET resolved_at = now(), decision = $3, decision_details = $4
			WHERE account = $1 AND content_id = $2 AND resolved_at IS NULL
		`, int64(item.Account), string(item.ContentId), int(decision), details)
	})
}

func (s *PgStore) ClaimForModerator(ctx context.Context, moderator model.AccountIdInternal, queue model.ModerationQueueType) (*model.ModerationQueueItem, error) {
	var item model.ModerationQueueItem
	var contentId string
	err := s.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		if err := tx.QueryRow(ctx, `
			SELECT account, content_id, profile_text, queue, submitted_at FROM moderation_queue
			WHERE queue = $1 AND resolved_at IS NULL AND claimed_by IS NULL
			ORDER BY submitted_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		`, []any{&item.Account, &contentId, &item.ProfileText, &item.Queue, &item.SubmittedAt}, int(queue)); err != nil {
			return apperror.Wrap(apperror.KeyNotExists, "no item to claim", err)
		}
		item.ContentId = model.ContentId(contentId)
		return tx.Exec(ctx, `
			UPDATE moderation_queue SET claimed_by = $3, claimed_at = now()
			WHERE account = $1 AND content_id = $2 AND resolved_at IS NULL
		`, int64(item.Account), contentId, int64(moderator))
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *PgStore) InProgressCount(ctx context.Context, moderator model.AccountIdInternal) (int, error) {
	var count int
	err := s.db.WithReadOnly(ctx, func(tx storage.TransactionCtx) error {
		return tx.QueryRow(ctx, `
			SELECT count(*) FROM moderation_queue WHERE claimed_by = $1 AND resolved_at IS NULL
		`, []any{&count}, int64(moderator))
	})
	return count, err
}

func (s *PgStore) RecordHumanDecision(ctx context.Context, item model.ModerationQueueItem, moderator model.AccountIdInternal, accept bool, reason string) error {
	decision := model.DecisionReject
	if accept {
		decision = model.DecisionAccept
	}
	return s.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return tx.Exec(ctx, `
			UPDATE moderation_queue SET resolved_at = now(), decision = $3, decision_details = $4
			WHERE account = $1 AND content_id = $2 AND claimed_by = $5
		`, int64(item.Account), string(item.ContentId), int(decision), reason, int64(moderator))
	})
}
