// Package session implements C5, the Session Plane: the WebSocket
// lifecycle from upgrade through the S1-S6 version handshake to steady
// state event dispatch (spec §4.5). Grounded on the teacher's
// ws/internal/shared/handlers_ws.go (upgrade + admission control),
// pump_read.go/pump_write.go (the read/write pump split with a ticker
// for keepalive), and ws/server.go's quit-broadcast shutdown.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/cache"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// pingTimeout is how long the server waits for any client activity
// (a binary frame, a pong, or a protocol message) before closing the
// connection (spec §4.5: "6 minutes").
const pingTimeout = 6 * time.Minute

// pingInterval is how often the server sends an empty binary keepalive
// frame while the connection is otherwise idle.
const pingInterval = 2 * time.Minute

const writeWait = 10 * time.Second

// clientInfo is the decoded S1 handshake frame.
type clientInfo struct {
	Type  model.ClientType
	Major uint16
	Minor uint16
	Patch uint16
}

// AuthBackend is the subset of the cache/write-runner surface the
// session plane needs to complete the handshake (spec §4.5 S2-S4):
// verify the presented refresh token, then atomically issue a new
// token pair and fresh event channel.
type AuthBackend interface {
	// VerifyRefreshToken checks presented against account's stored
	// refresh token, returning apperror.NotAllowed on mismatch.
	VerifyRefreshToken(ctx context.Context, account model.AccountIdInternal, presented model.RefreshToken) error
	// IssueNewTokenPair writes a fresh AuthPair into storage and the
	// cache, returning the event channel the session should read from.
	IssueNewTokenPair(ctx context.Context, account model.AccountIdInternal, peerAddr string) (model.AuthPair, model.EventChan, error)
	// SyncVersions compares the client's reported data-type versions
	// against the server's current versions (spec §4.5 S5) and notifies
	// the connection of each mismatched type; it returns only an error,
	// not the mismatch set.
	SyncVersions(ctx context.Context, account model.AccountIdInternal, reported map[model.SyncDataType]uint8) error
}

// Authenticator resolves an inbound connection's claimed account from
// its presented access token, independent of the handshake's own
// refresh/access token rotation (used for the initial HTTP upgrade).
type Authenticator interface {
	AccountForAccessToken(token model.AccessToken) (model.AccountIdInternal, error)
}

// Server is the C5 Session Plane HTTP/WebSocket endpoint.
type Server struct {
	cache   *cache.Cache
	auth    Authenticator
	backend AuthBackend
	logger  zerolog.Logger

	quit chan struct{}
}

// New creates a Server. Call Quit to begin a coordinated shutdown of
// every live connection.
func New(c *cache.Cache, auth Authenticator, backend AuthBackend, logger zerolog.Logger) *Server {
	return &Server{
		cache:   c,
		auth:    auth,
		backend: backend,
		logger:  logger.With().Str("component", "session").Logger(),
		quit:    make(chan struct{}),
	}
}

// Quit signals every live connection's I/O loop to close. Idempotent.
func (s *Server) Quit() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// HandleUpgrade is the http.HandlerFunc mounted at the WebSocket route.
// The query parameter "token" carries the caller's current access
// token; the subprotocol selector is the literal "0" (spec §4.6,
// reserved for future versioning).
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := model.AccessToken(r.URL.Query().Get("token"))
	account, err := s.auth.AccountForAccessToken(token)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("bad_access_token").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(proto string) bool { return proto == "0" },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("upgrade_failed").Inc()
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	go s.runConnection(conn, account, r.RemoteAddr)
}

func (s *Server) runConnection(conn net.Conn, account model.AccountIdInternal, peerAddr string) {
	defer metrics.ConnectionsActive.Dec()
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.handshake(ctx, conn, account, peerAddr)
	if err != nil {
		s.logger.Debug().Err(err).Int64("account", int64(account)).Msg("handshake failed")
		return
	}

	limiter := rate.NewLimiter(rate.Limit(20), 40)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(conn, limiter)
	}()

	s.writePump(conn, events, done)
}

// handshake runs S1-S5 to completion and returns the event channel the
// write pump should then dispatch from for S6.
func (s *Server) handshake(ctx context.Context, conn net.Conn, account model.AccountIdInternal, peerAddr string) (model.EventChan, error) {
	conn.SetReadDeadline(time.Now().Add(pingTimeout))

	// S1: client info.
	info, err := readClientInfo(conn)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int64("account", int64(account)).Uint16("major", info.Major).Msg("client info received")

	// S2: refresh token.
	refreshBytes, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return nil, err
	}

	if err := s.backend.VerifyRefreshToken(ctx, account, model.RefreshToken(refreshBytes)); err != nil {
		// S3 unsupported/mismatch path: empty text frame then close.
		_ = wsutil.WriteServerMessage(conn, ws.OpText, nil)
		return nil, err
	}

	pair, events, err := s.backend.IssueNewTokenPair(ctx, account, peerAddr)
	if err != nil {
		return nil, err
	}

	// S3: new refresh token.
	if err := wsutil.WriteServerMessage(conn, ws.OpBinary, []byte(pair.Refresh)); err != nil {
		return nil, err
	}

	// S4: new access token.
	if err := wsutil.WriteServerMessage(conn, ws.OpBinary, []byte(pair.Access)); err != nil {
		return nil, err
	}

	// S5: sync-version list.
	syncData, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return nil, err
	}
	reported := decodeSyncVersions(syncData)
	if err := s.backend.SyncVersions(ctx, account, reported); err != nil {
		return nil, err
	}

	return events, nil
}

func readClientInfo(conn net.Conn) (clientInfo, error) {
	data, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return clientInfo{}, err
	}
	if len(data) < 7 {
		return clientInfo{}, apperror.New(apperror.Protocol, "client info frame too short")
	}
	return clientInfo{
		Type:  model.ClientType(data[0]),
		Major: binary.LittleEndian.Uint16(data[1:3]),
		Minor: binary.LittleEndian.Uint16(data[3:5]),
		Patch: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

func decodeSyncVersions(data []byte) map[model.SyncDataType]uint8 {
	out := make(map[model.SyncDataType]uint8, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		out[model.SyncDataType(data[i])] = data[i+1]
	}
	return out
}

// readPump consumes client frames for the lifetime of the connection:
// binary frames and pongs reset the idle deadline, any other message is
// rate-limited and otherwise ignored (S6 is server-to-client only in
// steady state).
func (s *Server) readPump(conn net.Conn, limiter *rate.Limiter) {
	for {
		_, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		if op == ws.OpBinary || op == ws.OpPing {
			continue
		}
		if !limiter.Allow() {
			return
		}
	}
}

// writePump dispatches S6: JSON-encoded events as text frames, and an
// empty binary frame as keepalive on every tick. Exits on the read
// pump's exit, the account's event channel closing, or a global quit
// signal (spec §7: WebSocket tasks select between socket I/O, the event
// channel, the ping timer, and a ServerQuitWatcher).
func (s *Server) writePump(conn net.Conn, events model.EventChan, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-s.quit:
			_ = wsutil.WriteServerMessage(conn, ws.OpText, nil)
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Error().Err(err).Msg("marshal event for dispatch")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpBinary, nil); err != nil {
				return
			}
		}
	}
}
