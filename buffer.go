// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

// transport is the minimal non-blocking byte-stream contract a leg exposes
// to its forward buffer. A plain socket leg and an encrypted (codec-backed)
// leg both satisfy it, so the buffer itself never knows which one it is
// draining into or filling from.
//
// Semantics mirror spec §4.1's recv/send contract:
//   - recv returns (n, nil) for real progress, (0, ErrWouldBlock) when no
//     more bytes are available right now, (n, ErrDisconnect) on orderly
//     peer close (n may be 0 or the final bytes read alongside EOF), or
//     (n, err) on a hard transport error.
//   - send returns (n, nil) when n bytes of p were accepted (n may be less
//     than len(p); the caller sends the rest in a further call),
//     (n, ErrWouldBlock) on a partial, retryable write, or (n, err)
//     otherwise.
type transport interface {
	recv(p []byte) (int, error)
	send(p []byte) (int, error)
}

// forwardBuffer is the fixed-capacity, one-record-in-flight forward buffer
// described in spec §3/§4.2. It is shared by both directions of a
// connection pair: one instance carries bytes client→server, another
// server→client.
//
// Invariant: 0 <= readPos <= size <= BufferCapacity; size == 0 implies
// readPos == 0. Only one of {recv, send} may be in progress for a given
// buffer at any time — the connection engine enforces this by never
// calling recv while size > 0.
type forwardBuffer struct {
	data    [BufferCapacity]byte
	size    int
	readPos int
}

// empty reports whether the buffer is ready to receive (spec: "empty").
func (b *forwardBuffer) empty() bool { return b.size == 0 }

// pending reports whether the buffer holds data still to be sent (spec:
// "pending").
func (b *forwardBuffer) pending() bool { return b.size > 0 }

// recv fills b.data[b.size:BufferCapacity] from t. Precondition (per spec
// §4.2): b.readPos == 0 && b.size == 0.
//
// Returns nil on SUCCESS (at least one byte buffered), ErrWouldBlock if
// nothing was available and the buffer remains empty, ErrDisconnect on an
// orderly peer close (b.size may be > 0: bytes arrived together with the
// close and must still be forwarded before teardown), or any other error
// verbatim on a hard transport failure.
func (b *forwardBuffer) recv(t transport) error {
	if b.readPos != 0 || b.size != 0 {
		return ErrInvalidArgument
	}
	for b.size < BufferCapacity {
		n, err := t.recv(b.data[b.size:BufferCapacity])
		if n > 0 {
			b.size += n
		}
		if err == nil {
			if n == 0 {
				// Defensive: a transport that makes no progress and
				// reports no error would otherwise spin forever.
				return nil
			}
			continue
		}
		if err == ErrWouldBlock {
			if b.size == 0 {
				return ErrWouldBlock
			}
			return nil
		}
		if err == ErrDisconnect {
			return ErrDisconnect
		}
		return err
	}
	return nil
}

// send drains b.data[b.readPos:b.size] to t. Precondition: b.size > 0 &&
// b.readPos < b.size.
//
// Returns nil on SUCCESS (buffer fully drained and reset to empty),
// ErrWouldBlock if the caller must retry later (the buffer's contents and
// readPos are preserved across the call), or any other error verbatim.
func (b *forwardBuffer) send(t transport) error {
	if b.size == 0 || b.readPos >= b.size {
		return ErrInvalidArgument
	}
	for b.readPos < b.size {
		n, err := t.send(b.data[b.readPos:b.size])
		if n > 0 {
			b.readPos += n
		}
		if err != nil {
			if err == ErrWouldBlock {
				return ErrWouldBlock
			}
			return err
		}
		if n == 0 {
			return ErrWouldBlock
		}
	}
	b.readPos = 0
	b.size = 0
	return nil
}
