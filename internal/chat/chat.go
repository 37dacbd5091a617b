// Package chat implements C6, the Chat Pipeline: like/match/block state
// transitions and the pending-message store's two-sided acknowledgement
// protocol (spec §4.6). Grounded on
// original_source/crates/server_data_chat/src/write/chat.rs, most
// directly like_or_match_profile, insert_pending_message_if_match_and_not_blocked,
// and the acknowledgement-then-delete pair.
package chat

import (
	"context"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/writerunner"
)

// maxAcknowledgementsMissing bounds how many messages in one direction
// of a conversation may be unacknowledged before the sender must wait
// (spec §4.6: "Max sender acknowledgements missing count is 50").
const maxAcknowledgementsMissing = 50

// Store is the persistence surface the pipeline writes through and
// reads from within the same transaction, kept as an interface so
// higher layers can be tested against a fake.
type Store interface {
	GetOrCreateInteraction(tx storage.TransactionCtx, a, b model.AccountIdInternal) (model.AccountInteraction, error)
	UpdateInteraction(tx storage.TransactionCtx, interaction model.AccountInteraction) error
	NextMatchId(tx storage.TransactionCtx) (model.MatchId, error)
	NextReceivedLikeId(tx storage.TransactionCtx, receiver model.AccountIdInternal) (model.ReceivedLikeId, error)

	CurrentPublicKey(tx storage.TransactionCtx, account model.AccountIdInternal, version model.PublicKeyVersion) (*model.PublicKey, error)
	ReceiverAcknowledgementsMissing(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal) (int, error)
	SenderAcknowledgementsMissing(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal) (int, error)
	InsertPendingMessage(tx storage.TransactionCtx, sender, receiver model.AccountIdInternal, content []byte, clientId model.ClientId, clientLocalId model.ClientLocalId) (model.MessageNumber, error)
	AckReceived(tx storage.TransactionCtx, receiver model.AccountIdInternal, ids []model.PendingMessageId) (remaining int, err error)
	AckSent(tx storage.TransactionCtx, sender model.AccountIdInternal, ids []model.SentMessageId) error
}

// Notifier is the event-delivery surface the pipeline calls into after
// a state change commits (spec §4.4/§4.6 boundary).
type Notifier interface {
	Send(account model.AccountIdInternal, event model.EventToClient) error
	AckFlags(account model.AccountIdInternal, cleared model.PendingNotificationFlags) error
}

// Pipeline is the C6 Chat Pipeline.
type Pipeline struct {
	store  Store
	serial *writerunner.SerialRunner
	events Notifier
}

// New creates a Pipeline.
func New(store Store, serial *writerunner.SerialRunner, events Notifier) *Pipeline {
	return &Pipeline{store: store, serial: serial, events: events}
}

// StateChange reports the outcome of LikeOrMatch for event dispatch.
type StateChange struct {
	BecameMatch bool
}

// LikeOrMatch records a like from sender toward receiver, promoting the
// interaction to Match if receiver had already liked sender. Mirrors
// like_or_match_profile: an interaction already in Like (same direction)
// or Match is a no-op reported as apperror.AlreadyDone.
func (p *Pipeline) LikeOrMatch(ctx context.Context, sender, receiver model.AccountIdInternal) (StateChange, error) {
	var result StateChange
	err := p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		interaction, err := p.store.GetOrCreateInteraction(tx, sender, receiver)
		if err != nil {
			return err
		}

		switch {
		case interaction.State == model.InteractionLike && interaction.IdSender == sender:
			return apperror.New(apperror.AlreadyDone, "already liked")
		case interaction.State == model.InteractionLike && interaction.IdSender == receiver:
			matchId, err := p.store.NextMatchId(tx)
			if err != nil {
				return err
			}
			interaction.State = model.InteractionMatch
			interaction.MatchId = &matchId
			result.BecameMatch = true
		case interaction.State == model.InteractionMatch:
			return apperror.New(apperror.AlreadyDone, "already matched")
		default:
			likeId, err := p.store.NextReceivedLikeId(tx, receiver)
			if err != nil {
				return err
			}
			interaction.State = model.InteractionLike
			interaction.IdSender = sender
			interaction.IdReceiver = receiver
			interaction.ReceivedLikeId = &likeId
		}

		return p.store.UpdateInteraction(tx, interaction)
	})
	if err != nil {
		return StateChange{}, err
	}

	if result.BecameMatch {
		p.notifyBoth(sender, receiver, model.EventMatchesChanged)
	} else {
		_ = p.events.Send(receiver, model.EventToClient{Kind: model.EventReceivedLikesChanged})
	}
	return result, nil
}

func (p *Pipeline) notifyBoth(a, b model.AccountIdInternal, kind model.EventKind) {
	_ = p.events.Send(a, model.EventToClient{Kind: kind})
	_ = p.events.Send(b, model.EventToClient{Kind: kind})
}

// Block records a one-directional block and recomputes the interaction's
// two-way-block derived field (spec Open Question: two_way_block is
// derived, not stored independently — see DESIGN.md).
func (p *Pipeline) Block(ctx context.Context, blocker, blocked model.AccountIdInternal) error {
	return p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		interaction, err := p.store.GetOrCreateInteraction(tx, blocker, blocked)
		if err != nil {
			return err
		}
		if interaction.IsBlockedDirection(blocker) {
			return apperror.New(apperror.AlreadyDone, "already blocked")
		}
		if interaction.IdSender == blocker {
			interaction.BlockSender = true
		} else {
			interaction.BlockReceiver = true
		}
		interaction.RecomputeTwoWayBlock()
		return p.store.UpdateInteraction(tx, interaction)
	})
}

// Unblock clears a one-directional block. Mirrors delete_block: fails
// with apperror.NotAllowed if the direction was not blocked.
func (p *Pipeline) Unblock(ctx context.Context, blocker, blocked model.AccountIdInternal) error {
	return p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		interaction, err := p.store.GetOrCreateInteraction(tx, blocker, blocked)
		if err != nil {
			return err
		}
		if !interaction.IsBlockedDirection(blocker) {
			return apperror.New(apperror.NotAllowed, "not blocked")
		}
		if interaction.IdSender == blocker {
			interaction.BlockSender = false
		} else {
			interaction.BlockReceiver = false
		}
		interaction.RecomputeTwoWayBlock()
		return p.store.UpdateInteraction(tx, interaction)
	})
}

// Unlike transitions Like(sender→receiver) back to Empty. Mirrors the
// unlike rule in spec §4.6: only the original sender may delete their
// own like, and the pair's previous_like_deleter has only two slots —
// once both are filled, a further delete_like on this pair returns
// apperror.AlreadyDone rather than performing the transition.
func (p *Pipeline) Unlike(ctx context.Context, sender, receiver model.AccountIdInternal) error {
	return p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		interaction, err := p.store.GetOrCreateInteraction(tx, sender, receiver)
		if err != nil {
			return err
		}
		if interaction.State != model.InteractionLike {
			return apperror.New(apperror.AlreadyDone, "no active like to delete")
		}
		if interaction.IdSender != sender {
			return apperror.New(apperror.NotAllowed, "only the original sender may delete this like")
		}
		if interaction.PreviousLikeDeleter[0] != nil && interaction.PreviousLikeDeleter[1] != nil {
			return apperror.New(apperror.AlreadyDone, "delete-like limit reached for this pair")
		}

		deleter := sender
		if interaction.PreviousLikeDeleter[0] == nil {
			interaction.PreviousLikeDeleter[0] = &deleter
		} else {
			interaction.PreviousLikeDeleter[1] = &deleter
		}
		interaction.State = model.InteractionEmpty
		interaction.ReceivedLikeId = nil

		return p.store.UpdateInteraction(tx, interaction)
	})
}

// SendMessageOutcome is the closed result set for SendMessage, mirroring
// SendMessageResult's variants in the grounding source.
type SendMessageOutcome int

const (
	SendMessageSuccessful SendMessageOutcome = iota
	SendMessagePublicKeyOutdated
	SendMessageTooManyReceiverAcks
	SendMessageTooManySenderAcks
	SendMessageReceiverBlockedOrNotFound
)

// SendMessage inserts a pending message if the interaction is a Match,
// neither direction is blocked, the receiver's public key presented by
// the client is still current, and neither side's unacknowledged queue
// is already at the 50-message cap. Mirrors
// insert_pending_message_if_match_and_not_blocked precisely, including
// its ordering of checks.
func (p *Pipeline) SendMessage(ctx context.Context, sender, receiver model.AccountIdInternal, content []byte, receiverKeyId model.PublicKeyId, receiverKeyVersion model.PublicKeyVersion, clientId model.ClientId, clientLocalId model.ClientLocalId) (SendMessageOutcome, error) {
	var outcome SendMessageOutcome
	var pushAllowed bool

	err := p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		currentKey, err := p.store.CurrentPublicKey(tx, receiver, receiverKeyVersion)
		if err != nil {
			return err
		}
		if currentKey == nil || currentKey.Id != receiverKeyId {
			outcome = SendMessagePublicKeyOutdated
			return nil
		}

		receiverMissing, err := p.store.ReceiverAcknowledgementsMissing(tx, sender, receiver)
		if err != nil {
			return err
		}
		if receiverMissing >= maxAcknowledgementsMissing {
			outcome = SendMessageTooManyReceiverAcks
			return nil
		}

		senderMissing, err := p.store.SenderAcknowledgementsMissing(tx, sender, receiver)
		if err != nil {
			return err
		}
		if senderMissing >= maxAcknowledgementsMissing {
			outcome = SendMessageTooManySenderAcks
			return nil
		}

		_, err = p.store.InsertPendingMessage(tx, sender, receiver, content, clientId, clientLocalId)
		if apperror.Of(err, apperror.NotAllowed) {
			outcome = SendMessageReceiverBlockedOrNotFound
			return nil
		}
		if err != nil {
			return err
		}

		outcome = SendMessageSuccessful
		pushAllowed = receiverMissing == 0
		return nil
	})
	if err != nil {
		return 0, err
	}

	if outcome == SendMessageSuccessful {
		metrics.MessagesSent.Inc()
		_ = p.events.Send(receiver, model.EventToClient{Kind: model.EventNewMessageReceived})
		_ = pushAllowed // not passed on: event.Manager.Send triggers a push only when the receiver has no live connection, whatever this value is
	} else {
		metrics.MessagesRejected.WithLabelValues(outcomeLabel(outcome)).Inc()
	}

	return outcome, nil
}

func outcomeLabel(o SendMessageOutcome) string {
	switch o {
	case SendMessagePublicKeyOutdated:
		return "public_key_outdated"
	case SendMessageTooManyReceiverAcks:
		return "too_many_receiver_acks"
	case SendMessageTooManySenderAcks:
		return "too_many_sender_acks"
	case SendMessageReceiverBlockedOrNotFound:
		return "receiver_blocked_or_not_found"
	default:
		return "unknown"
	}
}

// AckReceived records that receiver has viewed the given messages and
// deletes any that both sides have now acknowledged. Clears the
// pending new-message flag once the receiver has nothing left
// unacknowledged, mirroring
// add_receiver_acknowledgement_and_delete_if_also_sender_has_acknowledged.
func (p *Pipeline) AckReceived(ctx context.Context, receiver model.AccountIdInternal, ids []model.PendingMessageId) error {
	var remaining int
	err := p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		n, err := p.store.AckReceived(tx, receiver, ids)
		remaining = n
		return err
	})
	if err != nil {
		return err
	}
	metrics.MessagesAcked.WithLabelValues("receiver").Inc()
	if remaining == 0 {
		return p.events.AckFlags(receiver, model.FlagNewMessage)
	}
	return nil
}

// AckSent records that sender has confirmed server-side receipt of the
// given sent message ids, deleting any now fully acknowledged on both
// sides. Mirrors add_sender_acknowledgement_and_delete_if_also_receiver_has_acknowledged.
func (p *Pipeline) AckSent(ctx context.Context, sender model.AccountIdInternal, ids []model.SentMessageId) error {
	err := p.serial.Run(ctx, func(ctx context.Context, tx storage.TransactionCtx) error {
		return p.store.AckSent(tx, sender, ids)
	})
	if err != nil {
		return err
	}
	metrics.MessagesAcked.WithLabelValues("sender").Inc()
	return nil
}
