package backup

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
)

const keepaliveInterval = 60 * time.Minute

// TargetConfig is the subset of config.Config the target role needs.
type TargetConfig struct {
	PeerURL     string
	Password    string
	TLSInsecure bool
	Retention   time.Duration
}

// Target is C9's target role: it dials out to a source and replicates
// content and file backups (spec §4.9's connection loop).
type Target struct {
	cfg     TargetConfig
	content ContentBackupStore
	files   FileBackupStore
	logger  zerolog.Logger
}

func NewTarget(cfg TargetConfig, content ContentBackupStore, files FileBackupStore, logger zerolog.Logger) *Target {
	return &Target{cfg: cfg, content: content, files: files, logger: logger.With().Str("component", "backup_target").Logger()}
}

// Run drives the reconnect loop until ctx is cancelled. Grounded on
// create_connection_loop in target.rs: retry = min(retry^2, 3600s)
// starting at 2s, regardless of whether the previous attempt
// succeeded or failed.
func (t *Target) Run(ctx context.Context) {
	bo := newSquaringBackOff()
	for {
		if ctx.Err() != nil {
			return
		}
		err := t.connectOnce(ctx)
		wait := bo.NextBackOff()
		if err != nil {
			t.logger.Error().Err(err).Dur("retry_in", wait).Msg("backup target link error")
		} else {
			t.logger.Info().Dur("retry_in", wait).Msg("backup target link disconnected")
		}
		metrics.BackupReconnects.Inc()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Target) connectOnce(ctx context.Context) error {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"X-Backup-Password": []string{t.cfg.Password}}),
	}
	if t.cfg.TLSInsecure {
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, _, err := dialer.Dial(ctx, t.cfg.PeerURL)
	if err != nil {
		return newErr(ErrRead, err)
	}
	defer conn.Close()

	t.logger.Info().Msg("backup target link connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fromSource := make(chan Message, 4)
	toSource := make(chan Message, 4)

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return t.readLoop(gctx, conn, fromSource) })
	g.Go(func() error { return t.writeLoop(gctx, conn, toSource) })
	g.Go(func() error { return t.keepaliveLoop(gctx, toSource) })
	g.Go(func() error {
		// The session finishing, successfully or not, ends the whole
		// connection (spec §4.9: "three concurrent tasks run until any
		// completes"). Closing conn unblocks the reader's blocking
		// socket read, which a context cancellation alone cannot do.
		err := t.runSession(gctx, fromSource, toSource)
		cancel()
		conn.Close()
		return err
	})

	return g.Wait()
}

// readLoop reads inbound frames and forwards them unexamined; the
// session-id and StartBackupSession ordering checks (spec §4.9) live
// in runSession, which is the only consumer of fromSource and so the
// only place that knows the current session id.
func (t *Target) readLoop(ctx context.Context, conn net.Conn, out chan<- Message) error {
	for {
		m, err := readServerMessage(conn)
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

func (t *Target) keepaliveLoop(ctx context.Context, toSource chan<- Message) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case toSource <- emptyMessage():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (t *Target) writeLoop(ctx context.Context, conn net.Conn, toSource <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-toSource:
			if !ok {
				return newErr(ErrBrokenMessageChannel, nil)
			}
			if err := writeClientMessage(conn, m); err != nil {
				return err
			}
		}
	}
}

// squaringBackOff implements backoff.BackOff with retry = min(retry^2,
// max), seeded at `initial`, matching target.rs's hand-rolled loop.
type squaringBackOff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newSquaringBackOff() *squaringBackOff {
	b := &squaringBackOff{initial: 2 * time.Second, max: 3600 * time.Second}
	b.Reset()
	return b
}

func (b *squaringBackOff) Reset() { b.current = b.initial }

func (b *squaringBackOff) NextBackOff() time.Duration {
	wait := b.current
	squared := time.Duration(float64(b.current) * float64(b.current) / float64(time.Second))
	if squared > b.max {
		squared = b.max
	}
	b.current = squared
	return wait
}

var _ backoff.BackOff = (*squaringBackOff)(nil)

func sha256Of(data []byte) [32]byte { return sha256.Sum256(data) }

func sha256Hex(s [32]byte) string { return fmt.Sprintf("%x", s) }
