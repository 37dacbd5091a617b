package model

// EventChan is the per-connection channel the cache hands out and the
// event manager/session plane read from. Buffered so a burst of events
// does not block the sender while the WebSocket write pump drains it.
type EventChan chan EventToClient

// NewEventChan creates a buffered EventChan of the standard capacity.
func NewEventChan() EventChan {
	const capacity = 64
	return make(EventChan, capacity)
}

// PendingNotificationFlags is the atomic bitset tracked per account
// (spec §4.4). Bits persist to storage so a disconnected client's
// outstanding notifications survive a restart.
type PendingNotificationFlags uint32

const (
	FlagNewMessage PendingNotificationFlags = 1 << iota
	FlagReceivedLikesChanged
	FlagContentModerationCompleted
	FlagProfileTextModerationCompleted
	FlagAutomaticProfileSearchCompleted
	FlagMediaContentChanged
)

// Set returns the flags with bit set.
func (f PendingNotificationFlags) Set(bit PendingNotificationFlags) PendingNotificationFlags {
	return f | bit
}

// Clear returns the flags with bit cleared.
func (f PendingNotificationFlags) Clear(bit PendingNotificationFlags) PendingNotificationFlags {
	return f &^ bit
}

// Has reports whether bit is set.
func (f PendingNotificationFlags) Has(bit PendingNotificationFlags) bool {
	return f&bit != 0
}

// Empty reports whether no flags are set.
func (f PendingNotificationFlags) Empty() bool { return f == 0 }

// SyncDataType is one of the sync-version data types from spec §4.5.
type SyncDataType int

const (
	SyncAccount SyncDataType = iota
	SyncReceivedLikes
	SyncClientConfig
	SyncProfile
	SyncNews
	SyncMediaContent
	SyncDailyLikesLeft
	SyncPushNotificationInfo
	SyncServerMaintenanceIsScheduled
)

// EventKind tags the EventToClient sum type (spec §9: tagged variants
// replace runtime-reflection polymorphism).
type EventKind int

const (
	EventNewMessageReceived EventKind = iota
	EventReceivedLikesChanged
	EventProfileChanged
	EventMediaContentChanged
	EventContentModerationCompleted
	EventProfileTextModerationCompleted
	EventMatchesChanged
	EventServerMaintenanceScheduled
	EventAccountStateChanged
)

// EventToClient is the closed set of events the Event Manager can
// deliver to one account's WebSocket (spec §4.4/§9).
type EventToClient struct {
	Kind EventKind

	// Populated depending on Kind; exactly one is meaningful per Kind.
	NewMessageFrom   AccountId
	SyncType         SyncDataType
	MaintenanceAtUTC *int64 // nil/zero acts as "cleared" per spec §7
}
