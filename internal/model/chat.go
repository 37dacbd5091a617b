package model

// InteractionState is the AccountInteraction state machine (spec §3/§4.6).
// Match is terminal.
type InteractionState int

const (
	InteractionEmpty InteractionState = iota
	InteractionLike
	InteractionMatch
)

// MatchId, ConversationId, ReceivedLikeId, MessageNumber are per-scope
// monotonic 64-bit sequences (spec Glossary).
type (
	MatchId        int64
	ConversationId int64
	ReceivedLikeId int64
	MessageNumber  int64
)

// AccountInteraction is the one row per unordered pair {A,B} (spec §3).
// IdSender/IdReceiver record who performed the most recent Empty->Like
// transition; once Match, "sender"/"receiver" only matter for which
// conversation id / message counter belongs to which direction.
type AccountInteraction struct {
	IdSender   AccountIdInternal
	IdReceiver AccountIdInternal

	State InteractionState

	BlockSender   bool
	BlockReceiver bool
	// TwoWayBlock is derived (BlockSender && BlockReceiver), recomputed on
	// every block/unblock mutation. See DESIGN.md Open Question 3.
	TwoWayBlock bool

	MessageCounterSender   int64
	MessageCounterReceiver int64

	ReceivedLikeId *ReceivedLikeId
	MatchId        *MatchId

	ConversationIdSender   *ConversationId
	ConversationIdReceiver *ConversationId

	// PreviousLikeDeleter records up to two accounts that have previously
	// unliked in this pair, to implement the delete-like limit
	// (spec §4.6, §8 E3).
	PreviousLikeDeleter [2]*AccountIdInternal
}

// RecomputeTwoWayBlock keeps TwoWayBlock in sync with the two underlying
// flags; called after every block/unblock mutation.
func (a *AccountInteraction) RecomputeTwoWayBlock() {
	a.TwoWayBlock = a.BlockSender && a.BlockReceiver
}

// IsBlockedDirection reports whether `from` is blocked from messaging
// `to` within this interaction (from/to must be IdSender/IdReceiver or
// its swap).
func (a *AccountInteraction) IsBlockedDirection(from AccountIdInternal) bool {
	if from == a.IdSender {
		return a.BlockSender
	}
	return a.BlockReceiver
}

// PublicKeyId is a monotonic id per (account, version) (spec §3/§4.6).
type PublicKeyId int64

// PublicKeyVersion is the key-rotation generation; client and server
// must agree on both id and version for a send to succeed.
type PublicKeyVersion int32

// PublicKey is one stored client public key (spec §3).
type PublicKey struct {
	Account AccountIdInternal
	Version PublicKeyVersion
	Id      PublicKeyId
	Bytes   []byte
}

// ClientId / ClientLocalId identify a message for sender-side ack
// (spec §3/§4.6); (sender, ClientId, ClientLocalId) is unique per sender.
type (
	ClientId      int64
	ClientLocalId int64
)

// PendingMessage is one undelivered-or-unacked chat message (spec §3).
type PendingMessage struct {
	Id                  int64
	Sender              AccountIdInternal
	Receiver            AccountIdInternal
	UnixTime            int64
	MessageNumber       MessageNumber
	Bytes               []byte
	SenderClientId      ClientId
	SenderClientLocalId ClientLocalId

	ReceiverAcked bool
	SenderAcked   bool
}

// Deletable reports whether both sides have acknowledged the message
// (spec invariant: deleted only when BOTH have acked).
func (m PendingMessage) Deletable() bool {
	return m.ReceiverAcked && m.SenderAcked
}

// PendingMessageId identifies a message for the receiver-ack RPC: the
// sender plus the message number, from the receiver's point of view.
type PendingMessageId struct {
	Sender        AccountId
	MessageNumber MessageNumber
}

// SentMessageId identifies a message for the sender-ack RPC.
type SentMessageId struct {
	ClientId      ClientId
	ClientLocalId ClientLocalId
}
