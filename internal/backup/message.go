package backup

import "encoding/json"

// MessageType is BackupMessageType: the frame discriminator the reader
// demultiplexes on (spec §4.9).
type MessageType int

const (
	MsgEmpty MessageType = iota
	MsgStartBackupSession
	MsgContentList
	MsgContentQuery
	MsgContentQueryAnswer
	MsgContentListSyncDone
	MsgStartFileBackup
	MsgFileBackupData
)

func (t MessageType) String() string {
	switch t {
	case MsgEmpty:
		return "empty"
	case MsgStartBackupSession:
		return "start_backup_session"
	case MsgContentList:
		return "content_list"
	case MsgContentQuery:
		return "content_query"
	case MsgContentQueryAnswer:
		return "content_query_answer"
	case MsgContentListSyncDone:
		return "content_list_sync_done"
	case MsgStartFileBackup:
		return "start_file_backup"
	case MsgFileBackupData:
		return "file_backup_data"
	default:
		return "unknown"
	}
}

// Message is BackupMessage{header, payload}: one frame on the link.
// SessionId is ignored by the reader until a StartBackupSession frame
// has set the current session (spec §4.9: "Subsequent frames are
// ignored unless session_id matches").
type Message struct {
	Type      MessageType     `json:"type"`
	SessionId uint32          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func emptyMessage() Message { return Message{Type: MsgEmpty} }

func startSessionMessage(sessionId uint32) Message {
	return Message{Type: MsgStartBackupSession, SessionId: sessionId}
}

// AccountAndContent is one entry of a ContentList frame's payload: an
// account and every content id the source currently considers live.
type AccountAndContent struct {
	AccountId  string   `json:"account_id"`
	ContentIds []string `json:"content_ids"`
}

type contentListPayload struct {
	Data []AccountAndContent `json:"data"`
}

type contentQueryPayload struct {
	AccountId string `json:"account_id"`
	ContentId string `json:"content_id"`
}

type contentQueryAnswerPayload struct {
	Sha256 string `json:"sha256"`
	Data   []byte `json:"data"`
}

type startFileBackupPayload struct {
	Sha256   string `json:"sha256"`
	FileName string `json:"file_name"`
}

// fileBackupDataPayload carries one file chunk. PacketNumber wraps at
// 2^32 per spec §4.9 ("Wrapping<u32>"); Go's uint32 arithmetic already
// wraps on overflow so no explicit wrapping type is needed.
type fileBackupDataPayload struct {
	PacketNumber uint32 `json:"packet_number"`
	Data         []byte `json:"data"`
}

func newMessage(sessionId uint32, typ MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, SessionId: sessionId, Payload: raw}, nil
}

func decodePayload[T any](m Message) (T, error) {
	var out T
	err := json.Unmarshal(m.Payload, &out)
	return out, err
}
