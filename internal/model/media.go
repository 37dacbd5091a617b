package model

// ModerationState is the MediaContent state machine (spec §3).
type ModerationState int

const (
	ModerationInSlot ModerationState = iota
	ModerationWaitingBotOrHuman
	ModerationWaitingHumanOnly
	ModerationAcceptedByBot
	ModerationAcceptedByHuman
	ModerationRejectedByBot
	ModerationRejectedByHuman
)

// Terminal reports whether the state is one of the four terminal states.
func (s ModerationState) Terminal() bool {
	switch s {
	case ModerationAcceptedByBot, ModerationAcceptedByHuman,
		ModerationRejectedByBot, ModerationRejectedByHuman:
		return true
	default:
		return false
	}
}

// ContentId identifies one media content item.
type ContentId string

// ContentProcessingId is a process-unique monotonic id for a pending
// media upload (spec Glossary).
type ContentProcessingId int64

// MediaContent is one media item and its moderation state (spec §3).
type MediaContent struct {
	ContentId      ContentId
	Account        AccountIdInternal
	ContentType    string
	Slot           *int32
	SecureCapture  bool
	FaceDetected   bool
	State          ModerationState
	RejectedReason *string
	Moderator      *AccountIdInternal
}

// ModerationQueueType is one of the two moderation queues plus the
// initial-media variant (spec Glossary).
type ModerationQueueType int

const (
	QueueInitialMediaModeration ModerationQueueType = iota
	QueueMediaModeration
	QueueProfileStringModeration
)

// ClassifierDecision is the closed sum type a moderation classifier
// returns (spec §4.7).
type ClassifierDecision int

const (
	DecisionIgnore ClassifierDecision = iota
	DecisionAccept
	DecisionReject
	DecisionMoveToHuman
	DecisionDelete
)

// Precedence returns this decision's priority for combining multiple
// classifier outputs; higher wins. Matches spec §4.7:
// delete > reject > move_to_human > accept > default(=ignore's fallback).
func (d ClassifierDecision) Precedence() int {
	switch d {
	case DecisionDelete:
		return 4
	case DecisionReject:
		return 3
	case DecisionMoveToHuman:
		return 2
	case DecisionAccept:
		return 1
	default: // DecisionIgnore
		return 0
	}
}

// DefaultAction is the configured fallback when every classifier defers
// (returns Ignore).
type DefaultAction int

const (
	DefaultAccept DefaultAction = iota
	DefaultReject
	DefaultMoveToHuman
)

// ModerationQueueItem is one FIFO work item.
type ModerationQueueItem struct {
	ContentId   ContentId // empty for profile-text items
	ProfileText string    // non-empty for profile-text items
	Account     AccountIdInternal
	Queue       ModerationQueueType
	SubmittedAt int64
}

// Moderation is a work item claimed by a moderator (spec §3). At most
// MaxInProgressPerModerator items may be claimed by one moderator at a
// time.
type Moderation struct {
	Item      ModerationQueueItem
	Moderator AccountIdInternal
	ClaimedAt int64
}

// MaxInProgressPerModerator is MAX_COUNT from spec §3.
const MaxInProgressPerModerator = 5
