package backup

import "fmt"

// ErrorKind is the closed error taxonomy for one backup link session,
// grounded on BackupTargetError in target.rs. Kept distinct from
// apperror.Kind: a session failure here always just ends the session
// and the reconnect loop retries, so the taxonomy exists for logging
// and metrics, not for branching callers outside this package.
type ErrorKind int

const (
	ErrRead ErrorKind = iota
	ErrWrite
	ErrBrokenMessageChannel
	ErrProtocol
	ErrDeserialize
	ErrInvalidAccountId
	ErrInvalidContentId
	ErrInvalidFileName
	ErrFileOverwritingAndRemovingFailed
	ErrFileBackupAlreadyExists
	ErrFileBackupPacketNumberMismatch
	ErrFileBackupDataCorruptionDetected
	ErrFileFlush
	ErrFileSync
	ErrFileRename
	ErrContentDataCorruptionDetected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRead:
		return "read"
	case ErrWrite:
		return "write"
	case ErrBrokenMessageChannel:
		return "broken_message_channel"
	case ErrProtocol:
		return "protocol"
	case ErrDeserialize:
		return "deserialize"
	case ErrInvalidAccountId:
		return "invalid_account_id"
	case ErrInvalidContentId:
		return "invalid_content_id"
	case ErrInvalidFileName:
		return "invalid_file_name"
	case ErrFileOverwritingAndRemovingFailed:
		return "file_overwriting_and_removing_failed"
	case ErrFileBackupAlreadyExists:
		return "file_backup_already_exists"
	case ErrFileBackupPacketNumberMismatch:
		return "file_backup_packet_number_mismatch"
	case ErrFileBackupDataCorruptionDetected:
		return "file_backup_data_corruption_detected"
	case ErrFileFlush:
		return "file_flush"
	case ErrFileSync:
		return "file_sync"
	case ErrFileRename:
		return "file_rename"
	case ErrContentDataCorruptionDetected:
		return "content_data_corruption_detected"
	default:
		return "unknown"
	}
}

// SessionError is one error raised inside a backup session.
type SessionError struct {
	Kind  ErrorKind
	Cause error
}

func newErr(kind ErrorKind, cause error) *SessionError {
	return &SessionError{Kind: kind, Cause: cause}
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backup link: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("backup link: %s", e.Kind)
}

func (e *SessionError) Unwrap() error { return e.Cause }
