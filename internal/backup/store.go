package backup

import (
	"context"
	"time"
)

// ContentBackupStore is the target side's view of its local content
// backup: the set of (account, content) pairs it already holds, each
// with its SHA-256. ContentList frames carry only ids, so the target
// treats a content id it already holds as present without comparing
// hashes; changed bytes under an existing id are not fetched again.
type ContentBackupStore interface {
	// BeginAccount starts (or resumes) the backup record for one
	// account, returning the set of content ids it currently holds for
	// that account.
	BeginAccount(ctx context.Context, accountId string) (existing map[string][32]byte, err error)
	// SaveContent stores new content bytes under (accountId, contentId)
	// once the caller has already verified the SHA-256.
	SaveContent(ctx context.Context, accountId, contentId string, sha256 [32]byte, data []byte) error
	// MarkStillExisting records that contentId is confirmed live for
	// this sync round, so FinalizeAccount knows not to delete it.
	MarkStillExisting(ctx context.Context, accountId, contentId string)
	// FinalizeAccount deletes any content under accountId that was not
	// marked still-existing this round, then marks the account itself
	// still-existing for the enclosing DeleteOldFileBackups-style sweep.
	FinalizeAccount(ctx context.Context, accountId string) error
	// FinalizeSession deletes any account not marked still-existing
	// during the whole content-sync loop.
	FinalizeSession(ctx context.Context) error
}

// ContentSource is the source side's view of the same data: it knows
// every account and content id that currently exists, and can produce
// the bytes for one content id on request.
type ContentSource interface {
	ListAccountsAndContent(ctx context.Context) ([]AccountAndContent, error)
	ReadContent(ctx context.Context, accountId, contentId string) (sha256 [32]byte, data []byte, err error)
}

// FileBackupStore is the target side's durable store for whole-file
// backups (profile media originals, as opposed to the smaller content
// blobs above). One file is staged under a temp name, verified, then
// atomically renamed into place (spec §4.9 step 2).
type FileBackupStore interface {
	// Open begins staging a file under fileName, failing with
	// ErrFileBackupAlreadyExists if a finalized backup already has that
	// name (spec §4.9's fingerprint dedup: same sha256 content is never
	// re-transferred, so a collision here means a genuine duplicate
	// transfer attempt).
	Open(fileName string, sha256 [32]byte) (FileBackupWriter, error)
	// ListFileNames enumerates every finalized file backup with its
	// last-write time, for GC sweeping.
	ListFileNames() ([]FileBackupInfo, error)
	// Remove deletes one finalized file backup.
	Remove(fileName string) error
}

// FileBackupInfo is one finalized file's GC-relevant metadata.
type FileBackupInfo struct {
	FileName   string
	ModifiedAt time.Time
}

// FileBackupWriter stages one file's packets until Finalize commits it.
type FileBackupWriter interface {
	// WritePacket appends one packet's bytes. The caller has already
	// checked packet ordering; this only appends and hashes.
	WritePacket(data []byte) error
	// Finalize verifies the accumulated hash against the announced
	// sha256, then flushes, fsyncs, and atomically renames the staged
	// file into place.
	Finalize() error
	// Abort discards the staged file without committing it.
	Abort() error
}

// FileSource is the source side's equivalent: it enumerates files to
// push and streams one file's bytes in fixed-size packets.
type FileSource interface {
	// ListFiles returns every file name the target doesn't yet have
	// (the source has already diffed against what the target confirmed
	// via earlier content sync — in this protocol file sync always
	// starts from the top of the list the source chooses to send).
	ListFiles(ctx context.Context) ([]string, error)
	// OpenFile returns the file's SHA-256 and a channel of fixed-size
	// packets that is closed after the final packet. The channel never
	// carries an empty packet; Source.sendFile sends the empty-data
	// frame that ends the file on the wire.
	OpenFile(ctx context.Context, fileName string) (sha256 [32]byte, packets <-chan []byte, err error)
}
