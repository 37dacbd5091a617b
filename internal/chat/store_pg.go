package chat

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// PgStore is the concrete Store: one row per unordered account pair in
// account_interaction, one row per undelivered message in
// pending_message, and the monotonic match/received-like sequences
// kept in a single counters row per scope (spec §3, §5's "global
// mutable state... a DB-resident sequence fetched under a write
// transaction").
type PgStore struct{}

func NewPgStore() *PgStore { return &PgStore{} }

func pairKey(a, b model.AccountIdInternal) (model.AccountIdInternal, model.AccountIdInternal) {
	if a < b {
		return a, b
	}
	return b, a
}

func (s *PgStore) GetOrCreateInteraction(tx storage.TransactionCtx, a, b model.AccountIdInternal) (model.AccountInteraction, error) {
	lo, hi := pairKey(a, b)

	var interaction model.AccountInteraction
	var state int
	var receivedLikeId, matchId, convSender, convReceiver *int64
	var deleter0, deleter1 *int64

	err := tx.QueryRow(context.Background(), `
		SELECT id_sender, id_receiver, state, block_sender, block_receiver,
		       message_counter_sender, message_counter_receiver,
		       received_like_id, match_id, conversation_id_sender, conversation_id_receiver,
		       previous_like_deleter_0, previous_like_deleter_1
		FROM account_interaction WHERE id_sender = $1 AND id_receiver = $2
	`, []any{
		&interaction.IdSender, &interaction.IdReceiver, &state, &interaction.BlockSender, &interaction.BlockReceiver,
		&interaction.MessageCounterSender, &interaction.MessageCounterReceiver,
		&receivedLikeId, &matchId, &convSender, &convReceiver,
		&deleter0, &deleter1,
	}, int64(lo), int64(hi))
	if err != nil {
		interaction = model.AccountInteraction{IdSender: lo, IdReceiver: hi, State: model.InteractionEmpty}
		if err := tx.Exec(context.Background(), `
			INSERT INTO account_interaction (id_sender, id_receiver, state)
			VALUES ($1, $2, 0)
		`, int64(lo), int64(hi)); err != nil {
			return model.AccountInteraction{}, apperror.Wrap(apperror.IO, "create interaction", err)
		}
		return interaction, nil
	}

	interaction.State = model.InteractionState(state)
	interaction.ReceivedLikeId = int64PtrToReceivedLikeId(receivedLikeId)
	interaction.MatchId = int64PtrToMatchId(matchId)
	interaction.ConversationIdSender = int64PtrToConversationId(convSender)
	interaction.ConversationIdReceiver = int64PtrToConversationId(convReceiver)
	if deleter0 != nil {
		v := model.AccountIdInternal(*deleter0)
		interaction.PreviousLikeDeleter[0] = &v
	}
	if deleter1 != nil {
		v := model.AccountIdInternal(*deleter1)
		interaction.PreviousLikeDeleter[1] = &v
	}
	interaction.RecomputeTwoWayBlock()
	return interaction, nil
}

func int64PtrToReceivedLikeId(v *int64) *model.ReceivedLikeId {
	if v == nil {
		return nil
	}
	id := model.ReceivedLikeId(*v)
	return &id
}

func int64PtrToMatchId(v *int64) *model.MatchId {
	if v == nil {
		return nil
	}
	id := model.MatchId(*v)
	return &id
}

func int64PtrToConversationId(v *int64) *model.ConversationId {
	if v == nil {
		return nil
	}
	id := model.ConversationId(*v)
	return &id
}

func (s *PgStore) UpdateInteraction(tx storage.TransactionCtx, interaction model.AccountInteraction) error {
	ctx := context.Background()
	var deleter0, deleter1 *int64
	if interaction.PreviousLikeDeleter[0] != nil {
		v := int64(*interaction.PreviousLikeDeleter[0])
		deleter0 = &v
	}
	if interaction.PreviousLikeDeleter[1] != nil {
		v := int64(*interaction.PreviousLikeDeleter[1])
		deleter1 = &v
	}
	return tx.Exec(ctx, `
		UPDATE account_interaction SET
			state = $3, block_sender = $4, block_receiver = $5,
			message_counter_sender = $6, message_counter_receiver = $7,
			received_like_id = $8, match_id = $9,
			conversation_id_sender = $10, conversation_id_receiver = $11,
			previous_like_deleter_0 = $12, previous_like_deleter_1 = $13
		WHERE id_sender = $1 AND id_receiver = $2
	`, int64(interaction.IdSender), int64(interaction.IdReceiver),
		int(interaction.State), interaction.BlockSender, interaction.BlockReceiver,
		interaction.MessageCounterSender, interaction.MessageCounterReceiver,
		interaction.ReceivedLikeId, interaction.MatchId,
		interaction.ConversationIdSender, interaction.ConversationIdReceiver,
		deleter0, deleter1)
}

func (s *PgStore) NextMatchId(tx storage.TransactionCtx) (model.MatchId, error) {
	var next int64
	err := tx.QueryRow(context.Background(), `
		UPDATE global_counters SET match_id_next = match_id_next + 1
		RETURNING match_id_next
	`, []any{&next})
	return model.MatchId(next), err
}

func (s *PgStore) NextReceivedLikeId(tx storage.TransactionCtx, receiver model.AccountIdInternal) (model.ReceivedLikeId, error) {
	var next int64
	err := tx.QueryRow(context.Background(), `
		INSERT INTO account_received_like_sequence (account_id_internal, next_id)
		VALUES ($1, 1)
		ON CONFLICT (account_id_internal) DO UPDATE SET next_id = account_received_like_sequence.next_id + 1
		RETURNING next_id
	`, []any{&next}, int64(receiver))
	return model.ReceivedLikeId(next), err
}

func (s *PgStore) CurrentPublicKey(tx storage.TransactionCtx, account model.AccountIdInternal, version model.PublicKeyVersion) (*model.PublicKey, error) {
	var key model.PublicKey
	err := tx.QueryRow(context.Background(), `
		SELECT account_id_internal, version, id, bytes
		FROM public_key WHERE account_id_internal = $1 AND version = $2
		ORDER BY id DESC LIMIT 1
	`, []any{&key.Account, &key.Version, &key.Id, &key.Bytes}, int64(account), int(version))
	if err != nil {
		return nil, nil
	}
	return &key, nil
}

func (s *PgStore) ReceiverAcknowledgementsMissing(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal) (int, error) {
	var count int
	err := tx.QueryRow(context.Background(), `
		SELECT count(*) FROM pending_message
		WHERE sender = $1 AND receiver = $2 AND receiver_acked = false
	`, []any{&count}, int64(sender), int64(receiver))
	return count, err
}

func (s *PgStore) SenderAcknowledgementsMissing(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal) (int, error) {
	var count int
	err := tx.QueryRow(context.Background(), `
		SELECT count(*) FROM pending_message
		WHERE sender = $1 AND receiver = $2 AND sender_acked = false
	`, []any{&count}, int64(sender), int64(receiver))
	return count, err
}

func (s *PgStore) InsertPendingMessage(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal, content []byte, clientId model.ClientId, clientLocalId model.ClientLocalId) (model.MessageNumber, error) {
	lo, hi := pairKey(sender, receiver)
	var state int
	var blockSender, blockReceiver bool
	if err := tx.QueryRow(context.Background(), `
		SELECT state, block_sender, block_receiver FROM account_interaction
		WHERE id_sender = $1 AND id_receiver = $2
	`, []any{&state, &blockSender, &blockReceiver}, int64(lo), int64(hi)); err != nil {
		return 0, apperror.Wrap(apperror.NotAllowed, "not a match or blocked", err)
	}
	if model.InteractionState(state) != model.InteractionMatch || blockSender || blockReceiver {
		return 0, apperror.New(apperror.NotAllowed, "not a match or blocked")
	}

	var messageNumber int64
	err := tx.QueryRow(context.Background(), `
		INSERT INTO pending_message (sender, receiver, bytes, sender_client_id, sender_client_local_id, message_number)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT coalesce(max(message_number), 0) + 1 FROM pending_message WHERE sender = $1 AND receiver = $2))
		RETURNING message_number
	`, []any{&messageNumber}, int64(sender), int64(receiver), content, int64(clientId), int64(clientLocalId))
	return model.MessageNumber(messageNumber), err
}

func (s *PgStore) AckReceived(tx storage.TransactionCtx, receiver model.AccountIdInternal, ids []model.PendingMessageId) (int, error) {
	ctx := context.Background()
	for _, id := range ids {
		if err := tx.Exec(ctx, `
			UPDATE pending_message SET receiver_acked = true
			WHERE receiver = $1 AND sender IN (SELECT id_internal FROM account WHERE account_id = $2) AND message_number = $3
		`, int64(receiver), string(id.Sender), int64(id.MessageNumber)); err != nil {
			return 0, err
		}
	}
	if err := tx.Exec(ctx, `DELETE FROM pending_message WHERE receiver = $1 AND receiver_acked = true AND sender_acked = true`, int64(receiver)); err != nil {
		return 0, err
	}
	var remaining int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM pending_message WHERE receiver = $1`, []any{&remaining}, int64(receiver))
	return remaining, err
}

func (s *PgStore) AckSent(tx storage.TransactionCtx, sender model.AccountIdInternal, ids []model.SentMessageId) error {
	ctx := context.Background()
	for _, id := range ids {
		if err := tx.Exec(ctx, `
			UPDATE pending_message SET sender_acked = true
			WHERE sender = $1 AND sender_client_id = $2 AND sender_client_local_id = $3
		`, int64(sender), int64(id.ClientId), int64(id.ClientLocalId)); err != nil {
			return err
		}
	}
	return tx.Exec(ctx, `DELETE FROM pending_message WHERE sender = $1 AND receiver_acked = true AND sender_acked = true`, int64(sender))
}
