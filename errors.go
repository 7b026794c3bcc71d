// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"errors"

	"code.hybscloud.com/iox"
)

// Sentinel errors shared by the byte buffer, framing codec, socket helpers
// and event loop. ErrWouldBlock is reused from iox rather than re-declared —
// it is exactly the contract the teacher package (framer) already built its
// stream/packet state machines around. iox's companion ErrMore (more of a
// multi-packet assembly in flight) has no counterpart here: this codec's
// wire format is a single length-prefixed record per call, so the
// in-flight/retry distinction ErrMore exists to express collapses into
// ErrWouldBlock.
var (
	// ErrWouldBlock means the caller should retry after the next readiness
	// notification; any returned byte count still represents real progress.
	ErrWouldBlock = iox.ErrWouldBlock

	// ErrDisconnect reports an orderly peer close: a zero-byte read, or a
	// write that saw EPIPE/ECONNRESET.
	ErrDisconnect = errors.New("relayproxy: disconnect")

	// ErrCrypto reports an authenticated-decryption failure or a handshake
	// that could not complete. It is fatal to the leg that raised it.
	ErrCrypto = errors.New("relayproxy: crypto error")

	// ErrTooLong reports a record length outside the wire format's limits.
	ErrTooLong = errors.New("relayproxy: record too long")

	// ErrCapacity reports that the event table is full. The accept path
	// treats this as "drop this pair, keep listening".
	ErrCapacity = errors.New("relayproxy: event table full")

	// ErrInvalidArgument reports a malformed bind/connect argument, an
	// event-loop Add of an fd already registered or a Modify of one that is
	// not, or a forward-buffer call made outside its precondition.
	ErrInvalidArgument = errors.New("relayproxy: invalid argument")

	// ErrClosed names an operation on a leg or pair that has already been
	// torn down. No function in this package returns it: the engine treats
	// work on a closed leg as a no-op instead.
	ErrClosed = errors.New("relayproxy: closed")

	// ErrWantRead and ErrWantWrite are returned only by the handshake
	// phase of the framing codec, directing the connection engine's
	// interest-mask update (spec §4.1/§4.5).
	ErrWantRead  = errors.New("relayproxy: handshake wants readable")
	ErrWantWrite = errors.New("relayproxy: handshake wants writable")
)

// isTransientAcceptErr reports whether err, surfaced from accept(2), is one
// of the well-known transient conditions that should be logged and ignored so
// the listener keeps running, per spec §9's correction of the source's
// (impossible) logical-AND check: any one of ECONNABORTED, EAGAIN or
// EWOULDBLOCK is transient, so the test must be logical-OR.
func isTransientAcceptErr(err error) bool {
	return errors.Is(err, errEConnAborted) || errors.Is(err, errEAgain) || errors.Is(err, errEWouldBlock)
}
