package backup

import (
	"context"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
)

// Source is C9's source role: it accepts one inbound target connection
// at a time and pushes content and file backups to it. The wire
// protocol is symmetric with Target but this side initiates every
// phase (spec §4.9 describes the protocol source-first: "source
// sends ContentList...").
type Source struct {
	password string
	content  ContentSource
	files    FileSource
	logger   zerolog.Logger

	sessionId uint32
}

func NewSource(password string, content ContentSource, files FileSource, logger zerolog.Logger) *Source {
	return &Source{password: password, content: content, files: files, logger: logger.With().Str("component", "backup_source").Logger()}
}

// HandleUpgrade is the HTTP handler mounted at the backup link route.
// The password travels in a header rather than the WebSocket
// subprotocol list since it is secret and subprotocols are logged by
// some proxies.
func (s *Source) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Backup-Password") != s.password {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	go s.runConnection(conn)
}

func (s *Source) runConnection(conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.sessionId++
	sessionId := s.sessionId

	fromTarget := make(chan Message, 4)
	toTarget := make(chan Message, 4)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn, fromTarget) })
	g.Go(func() error { return s.writeLoop(gctx, conn, toTarget) })
	g.Go(func() error {
		// As on the target side, the session ending (either way) should
		// tear down the whole connection rather than leave the reader
		// blocked on a socket read forever.
		err := s.runSession(gctx, sessionId, fromTarget, toTarget)
		cancel()
		conn.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("backup source session ended")
	}
}

func (s *Source) readLoop(ctx context.Context, conn net.Conn, out chan<- Message) error {
	for {
		m, err := readClientMessage(conn)
		if err != nil {
			return err
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Source) writeLoop(ctx context.Context, conn net.Conn, toTarget <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-toTarget:
			if !ok {
				return newErr(ErrBrokenMessageChannel, nil)
			}
			if err := writeServerMessage(conn, m); err != nil {
				return err
			}
		}
	}
}

// runSession is the source-side counterpart of Target.runSession: send
// StartBackupSession, then the content list in one shot followed by an
// empty list (this implementation does not paginate, matching the
// common case of the source holding the full account/content set in
// memory for one sweep), then stream every file the target doesn't
// have, deferring dedup entirely to the target's ContentQuery/sha256
// check.
func (s *Source) runSession(ctx context.Context, sessionId uint32, fromTarget <-chan Message, toTarget chan<- Message) error {
	if err := s.send(ctx, sessionId, toTarget, MsgStartBackupSession, nil); err != nil {
		return err
	}

	list, err := s.content.ListAccountsAndContent(ctx)
	if err != nil {
		return newErr(ErrRead, err)
	}
	if err := s.sendContentList(ctx, sessionId, list, fromTarget, toTarget); err != nil {
		return err
	}
	if err := s.send(ctx, sessionId, toTarget, MsgContentList, contentListPayload{}); err != nil {
		return err
	}

	names, err := s.files.ListFiles(ctx)
	if err != nil {
		return newErr(ErrRead, err)
	}
	for _, name := range names {
		if err := s.sendFile(ctx, sessionId, name, toTarget); err != nil {
			return err
		}
	}
	return s.send(ctx, sessionId, toTarget, MsgStartFileBackup, startFileBackupPayload{})
}

func (s *Source) sendContentList(ctx context.Context, sessionId uint32, list []AccountAndContent, fromTarget <-chan Message, toTarget chan<- Message) error {
	if err := s.send(ctx, sessionId, toTarget, MsgContentList, contentListPayload{Data: list}); err != nil {
		return err
	}

	for {
		m, err := s.recv(ctx, sessionId, fromTarget)
		if err != nil {
			return err
		}
		switch m.Type {
		case MsgContentListSyncDone:
			return nil
		case MsgContentQuery:
			query, err := decodePayload[contentQueryPayload](m)
			if err != nil {
				return newErr(ErrDeserialize, err)
			}
			sum, data, err := s.content.ReadContent(ctx, query.AccountId, query.ContentId)
			if err != nil {
				return newErr(ErrInvalidContentId, err)
			}
			if err := s.send(ctx, sessionId, toTarget, MsgContentQueryAnswer, contentQueryAnswerPayload{
				Sha256: sha256Hex(sum),
				Data:   data,
			}); err != nil {
				return err
			}
		default:
			return newErr(ErrProtocol, nil)
		}
	}
}

func (s *Source) sendFile(ctx context.Context, sessionId uint32, name string, toTarget chan<- Message) error {
	sum, packets, err := s.files.OpenFile(ctx, name)
	if err != nil {
		return newErr(ErrRead, err)
	}
	if err := s.send(ctx, sessionId, toTarget, MsgStartFileBackup, startFileBackupPayload{
		Sha256:   sha256Hex(sum),
		FileName: name,
	}); err != nil {
		return err
	}

	var packetNumber uint32
	for data := range packets {
		if err := s.send(ctx, sessionId, toTarget, MsgFileBackupData, fileBackupDataPayload{
			PacketNumber: packetNumber,
			Data:         data,
		}); err != nil {
			return err
		}
		packetNumber++
	}
	if err := s.send(ctx, sessionId, toTarget, MsgFileBackupData, fileBackupDataPayload{PacketNumber: packetNumber}); err != nil {
		return err
	}
	metrics.BackupFilesSynced.Inc()
	return nil
}

func (s *Source) recv(ctx context.Context, sessionId uint32, fromTarget <-chan Message) (Message, error) {
	for {
		select {
		case m, ok := <-fromTarget:
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

func (s *Source) send(ctx context.Context, sessionId uint32, toTarget chan<- Message, typ MessageType, payload any) error {
	m, err := newMessage(sessionId, typ, payload)
	if err != nil {
		return newErr(ErrWrite, err)
	}
	select {
	case toTarget <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
