package backup

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
)

// runSession is BackupSessionTaskTarget::run_and_result: it waits for
// StartBackupSession, then drives the content-sync loop followed by
// the file-sync loop followed by the GC sweep (spec §4.9).
func (t *Target) runSession(ctx context.Context, fromSource <-chan Message, toSource chan<- Message) error {
	sessionId, err := t.awaitSessionStart(ctx, fromSource)
	if err != nil {
		return err
	}

	if err := t.contentSyncLoop(ctx, sessionId, fromSource, toSource); err != nil {
		return err
	}
	if err := t.content.FinalizeSession(ctx); err != nil {
		return newErr(ErrContentDataCorruptionDetected, err)
	}

	if err := t.fileSyncLoop(ctx, sessionId, fromSource); err != nil {
		return err
	}

	deleted, err := DeleteOldFileBackups(t.files, t.cfg.Retention, time.Now())
	if err != nil {
		return newErr(ErrFileOverwritingAndRemovingFailed, err)
	}
	t.logger.Info().Uint64("deleted_files", deleted).Msg("backup session gc complete")
	return nil
}

func (t *Target) awaitSessionStart(ctx context.Context, fromSource <-chan Message) (uint32, error) {
	for {
		select {
		case m, ok := <-fromSource:
			if !ok {
				return 0, newErr(ErrBrokenMessageChannel, nil)
			}
			switch m.Type {
			case MsgEmpty:
				continue
			case MsgStartBackupSession:
				return m.SessionId, nil
			default:
				t.logger.Warn().Stringer("type", m.Type).Msg("ignoring message, backup session not started")
				continue
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// recv reads the next session-scoped message, ignoring Empty keepalive
// frames and returning an ErrProtocol SessionError on a session id mismatch
// (spec §4.9: "Subsequent frames are ignored unless session_id
// matches" ends the session rather than the whole connection, but
// since reader/writer/keepalive all end together via errgroup there is
// no distinction in practice).
func (t *Target) recv(ctx context.Context, sessionId uint32, fromSource <-chan Message) (Message, error) {
	for {
		select {
		case m, ok := <-fromSource:
			if !ok {
				return Message{}, newErr(ErrBrokenMessageChannel, nil)
			}
			if m.Type == MsgEmpty {
				continue
			}
			if m.SessionId != sessionId {
				return Message{}, newErr(ErrProtocol, nil)
			}
			return m, nil
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (t *Target) send(ctx context.Context, sessionId uint32, toSource chan<- Message, typ MessageType, payload any) error {
	m, err := newMessage(sessionId, typ, payload)
	if err != nil {
		return newErr(ErrWrite, err)
	}
	select {
	case toSource <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contentSyncLoop is run_and_result's first loop: receive a
// ContentList, diff it against local content, query whatever is
// missing, verify the answer's hash, and repeat until the source sends
// an empty list.
func (t *Target) contentSyncLoop(ctx context.Context, sessionId uint32, fromSource <-chan Message, toSource chan<- Message) error {
	for {
		m, err := t.recv(ctx, sessionId, fromSource)
		if err != nil {
			return err
		}
		if m.Type != MsgContentList {
			return newErr(ErrProtocol, nil)
		}
		list, err := decodePayload[contentListPayload](m)
		if err != nil {
			return newErr(ErrDeserialize, err)
		}

		for _, entry := range list.Data {
			if err := t.syncAccount(ctx, sessionId, entry, fromSource, toSource); err != nil {
				return err
			}
		}

		if len(list.Data) == 0 {
			return nil
		}
		if err := t.send(ctx, sessionId, toSource, MsgContentListSyncDone, struct{}{}); err != nil {
			return err
		}
	}
}

func (t *Target) syncAccount(ctx context.Context, sessionId uint32, entry AccountAndContent, fromSource <-chan Message, toSource chan<- Message) error {
	if entry.AccountId == "" {
		return newErr(ErrInvalidAccountId, nil)
	}
	existing, err := t.content.BeginAccount(ctx, entry.AccountId)
	if err != nil {
		return newErr(ErrRead, err)
	}

	for _, contentId := range entry.ContentIds {
		if contentId == "" {
			return newErr(ErrInvalidContentId, nil)
		}
		if _, ok := existing[contentId]; ok {
			t.content.MarkStillExisting(ctx, entry.AccountId, contentId)
			metrics.BackupContentSynced.Inc()
			continue
		}

		if err := t.send(ctx, sessionId, toSource, MsgContentQuery, contentQueryPayload{
			AccountId: entry.AccountId,
			ContentId: contentId,
		}); err != nil {
			return err
		}

		answer, err := t.recv(ctx, sessionId, fromSource)
		if err != nil {
			return err
		}
		if answer.Type != MsgContentQueryAnswer {
			return newErr(ErrProtocol, nil)
		}
		body, err := decodePayload[contentQueryAnswerPayload](answer)
		if err != nil {
			return newErr(ErrDeserialize, err)
		}
		sum := sha256Of(body.Data)
		if sha256Hex(sum) != body.Sha256 {
			return newErr(ErrContentDataCorruptionDetected, nil)
		}
		if err := t.content.SaveContent(ctx, entry.AccountId, contentId, sum, body.Data); err != nil {
			return newErr(ErrWrite, err)
		}
		metrics.BackupContentSynced.Inc()
	}

	if err := t.content.FinalizeAccount(ctx, entry.AccountId); err != nil {
		return newErr(ErrWrite, err)
	}
	return nil
}

// fileSyncLoop is run_and_result's second loop: receive StartFileBackup
// frames until an empty file name ends the phase, streaming each
// file's FileBackupData packets in order.
func (t *Target) fileSyncLoop(ctx context.Context, sessionId uint32, fromSource <-chan Message) error {
	for {
		m, err := t.recv(ctx, sessionId, fromSource)
		if err != nil {
			return err
		}
		if m.Type != MsgStartFileBackup {
			return newErr(ErrProtocol, nil)
		}
		start, err := decodePayload[startFileBackupPayload](m)
		if err != nil {
			return newErr(ErrDeserialize, err)
		}
		if start.FileName == "" {
			return nil
		}

		var sum [32]byte
		n, err := hex.Decode(sum[:], []byte(start.Sha256))
		if err != nil || n != len(sum) {
			return newErr(ErrDeserialize, err)
		}

		writer, err := t.files.Open(start.FileName, sum)
		if err != nil {
			return err
		}

		if err := t.receiveFile(ctx, sessionId, writer, fromSource); err != nil {
			writer.Abort()
			return err
		}
		metrics.BackupFilesSynced.Inc()
	}
}

func (t *Target) receiveFile(ctx context.Context, sessionId uint32, writer FileBackupWriter, fromSource <-chan Message) error {
	var expected uint32
	for {
		m, err := t.recv(ctx, sessionId, fromSource)
		if err != nil {
			return err
		}
		if m.Type != MsgFileBackupData {
			return newErr(ErrProtocol, nil)
		}
		packet, err := decodePayload[fileBackupDataPayload](m)
		if err != nil {
			return newErr(ErrDeserialize, err)
		}
		if len(packet.Data) == 0 {
			return writer.Finalize()
		}
		if packet.PacketNumber != expected {
			return newErr(ErrFileBackupPacketNumberMismatch, nil)
		}
		if err := writer.WritePacket(packet.Data); err != nil {
			return err
		}
		expected++
	}
}
