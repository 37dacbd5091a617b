// Package backup implements C9, the Backup Link: a target process
// dials out to a source process and replicates content and file
// backups over a small framed protocol (spec §4.9). Grounded on
// original_source/crates/manager/src/server/link/backup/target.rs for
// the session state machine and on the teacher's ws/internal/shared
// session handling (internal/session in this module) for the
// gobwas/ws framing idiom, reused here for a server-to-server link
// instead of a client-to-server one.
package backup

import (
	"encoding/json"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writeClientMessage sends one frame from the dialing side (the
// target). gobwas/ws requires client frames to be masked; wsutil
// handles that transparently.
func writeClientMessage(conn net.Conn, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return newErr(ErrWrite, err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpBinary, raw); err != nil {
		return newErr(ErrWrite, err)
	}
	return nil
}

// readServerMessage reads one frame sent by the source (the listening
// side), from the target's perspective.
func readServerMessage(conn net.Conn) (Message, error) {
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		return Message{}, newErr(ErrRead, err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, newErr(ErrDeserialize, err)
	}
	return m, nil
}

// writeServerMessage sends one frame from the accepting side (the
// source).
func writeServerMessage(conn net.Conn, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return newErr(ErrWrite, err)
	}
	if err := wsutil.WriteServerMessage(conn, ws.OpBinary, raw); err != nil {
		return newErr(ErrWrite, err)
	}
	return nil
}

// readClientMessage reads one frame sent by the target, from the
// source's perspective.
func readClientMessage(conn net.Conn) (Message, error) {
	data, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return Message{}, newErr(ErrRead, err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, newErr(ErrDeserialize, err)
	}
	return m, nil
}
