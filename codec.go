// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// recvPhase enumerates the four sequential phases of the receive pipeline
// described in spec §4.1: header accumulation, ciphertext accumulation,
// authenticated decryption, plaintext drain.
type recvPhase uint8

const (
	phaseHeader recvPhase = iota
	phaseCiphertext
	phaseDecrypt
	phaseDrain
)

// headerSize is the wire header: a big-endian u16 ciphertext length
// followed by the per-record nonce (spec §3/§6).
const headerSize = 2 + NonceSize

// codec implements the framing codec of spec §4.1: an authenticated,
// length-prefixed record transport layered over a raw, non-blocking socket
// leg. It satisfies the transport interface itself, so a connection
// engine's forward buffer can drain into / fill from an encrypted leg
// exactly as it would a plain one.
//
// Curve25519 key agreement and the secretbox authenticated-encryption
// primitive are both drawn from golang.org/x/crypto/nacl: box.GenerateKey
// performs the CSPRNG-backed keypair generation, box.Precompute derives
// the secretbox key from a local private key and the peer's public key
// (exactly the "Curve25519 shared-secret -> secretbox key" pairing spec
// §4.1 calls for), and secretbox.Seal/Open perform the per-record
// authenticated encryption.
type codec struct {
	t   transport
	rnd io.Reader

	// Handshake state.
	keypairReady bool
	localPub     [32]byte
	localPriv    [32]byte
	peerPub      [32]byte
	shared       [32]byte
	pubOutOff    int
	pubInOff     int
	handshakeOK  bool

	// Receive pipeline state (spec §3: "partial receive header, partial
	// receive ciphertext, decrypted plaintext window with read cursor").
	rPhase     recvPhase
	rHeader    [headerSize]byte
	rHeaderOff int
	rCipher    [MaxCiphertext]byte
	rCipherOff int
	rCipherLen int
	rPlain     [MaxPlaintext]byte
	rPlainLen  int
	rPlainOff  int

	// Send pipeline state (spec §3: "a partial outbound wire buffer
	// (header + ciphertext), and byte-progress counters").
	wWire    [headerSize + MaxCiphertext]byte
	wWireLen int
	wWireOff int
	wClamped int
}

func newCodec(t transport, rnd io.Reader) *codec {
	return &codec{t: t, rnd: rnd}
}

// handshake drives the Curve25519 key exchange to completion. It must be
// called repeatedly by the connection engine, directed by the returned
// error: ErrWantRead/ErrWantWrite tell the caller which readiness to wait
// for before calling again; nil means the data phase may begin; ErrCrypto
// is fatal to the leg.
func (c *codec) handshake() error {
	if c.handshakeOK {
		return nil
	}
	if !c.keypairReady {
		pub, priv, err := box.GenerateKey(c.rnd)
		if err != nil {
			// CSPRNG failure is fatal to the process per spec §4.1, but a
			// single leg only needs to report it as a crypto error; the
			// caller (engine) decides the blast radius.
			return ErrCrypto
		}
		c.localPub = *pub
		c.localPriv = *priv
		c.keypairReady = true
	}

	for c.pubOutOff < 32 {
		n, err := c.t.send(c.localPub[c.pubOutOff:32])
		c.pubOutOff += n
		if err != nil {
			if err == ErrWouldBlock {
				return ErrWantWrite
			}
			return ErrCrypto
		}
	}
	for c.pubInOff < 32 {
		n, err := c.t.recv(c.peerPub[c.pubInOff:32])
		c.pubInOff += n
		if err != nil {
			if err == ErrWouldBlock {
				return ErrWantRead
			}
			return ErrCrypto
		}
	}

	box.Precompute(&c.shared, &c.peerPub, &c.localPriv)
	c.handshakeOK = true
	return nil
}

func (c *codec) resetRecv() {
	c.rHeaderOff = 0
	c.rCipherOff = 0
	c.rCipherLen = 0
	c.rPlainLen = 0
	c.rPlainOff = 0
	c.rPhase = phaseHeader
}

// recv implements transport.recv over the data phase. It drives the
// receive pipeline as far as it can without blocking and delivers up to
// len(p) bytes of plaintext from the current record's window.
func (c *codec) recv(p []byte) (int, error) {
	for {
		switch c.rPhase {
		case phaseHeader:
			for c.rHeaderOff < headerSize {
				n, err := c.t.recv(c.rHeader[c.rHeaderOff:headerSize])
				c.rHeaderOff += n
				if err != nil {
					if err == ErrWouldBlock {
						return 0, ErrWouldBlock
					}
					return 0, err
				}
			}
			length := int(binary.BigEndian.Uint16(c.rHeader[0:2]))
			if length > MaxCiphertext {
				return 0, ErrTooLong
			}
			c.rCipherLen = length
			c.rCipherOff = 0
			c.rPhase = phaseCiphertext
		case phaseCiphertext:
			for c.rCipherOff < c.rCipherLen {
				n, err := c.t.recv(c.rCipher[c.rCipherOff:c.rCipherLen])
				c.rCipherOff += n
				if err != nil {
					if err == ErrWouldBlock {
						return 0, ErrWouldBlock
					}
					return 0, err
				}
			}
			c.rPhase = phaseDecrypt
		case phaseDecrypt:
			var nonce [NonceSize]byte
			copy(nonce[:], c.rHeader[2:headerSize])
			out, ok := secretbox.Open(c.rPlain[:0], c.rCipher[:c.rCipherLen], &nonce, &c.shared)
			if !ok {
				// Authenticated decrypt failed: classify as a crypto error
				// and tear down the leg, no retry (spec §4.1).
				return 0, ErrCrypto
			}
			c.rPlainLen = len(out)
			c.rPlainOff = 0
			c.rPhase = phaseDrain
		case phaseDrain:
			if c.rPlainLen == 0 {
				// Zero-length record: nothing to deliver, move straight to
				// the next one within this call if more bytes are ready.
				c.resetRecv()
				continue
			}
			n := copy(p, c.rPlain[c.rPlainOff:c.rPlainLen])
			c.rPlainOff += n
			if c.rPlainOff == c.rPlainLen {
				c.resetRecv()
			}
			return n, nil
		}
	}
}

// send implements transport.send over the data phase. The caller's
// plaintext p is clamped to MaxPlaintext and encoded as exactly one
// record; no plaintext byte count is credited until the whole record has
// left the wire (spec §4.1).
func (c *codec) send(p []byte) (int, error) {
	if c.wWireLen == 0 {
		l := len(p)
		if l > MaxPlaintext {
			l = MaxPlaintext
		}
		var nonce [NonceSize]byte
		if _, err := io.ReadFull(c.rnd, nonce[:]); err != nil {
			// Failure to obtain randomness is reported as ErrCrypto, which
			// tears down this leg's pair; the process keeps running.
			return 0, ErrCrypto
		}
		ciphertext := secretbox.Seal(c.wWire[headerSize:headerSize], p[:l], &nonce, &c.shared)
		binary.BigEndian.PutUint16(c.wWire[0:2], uint16(len(ciphertext)))
		copy(c.wWire[2:headerSize], nonce[:])
		c.wWireLen = headerSize + len(ciphertext)
		c.wWireOff = 0
		c.wClamped = l
	}

	for c.wWireOff < c.wWireLen {
		n, err := c.t.send(c.wWire[c.wWireOff:c.wWireLen])
		c.wWireOff += n
		if err != nil {
			if err == ErrWouldBlock {
				return 0, ErrWouldBlock
			}
			return 0, err
		}
	}

	l := c.wClamped
	c.wWireLen = 0
	c.wWireOff = 0
	c.wClamped = 0
	return l, nil
}
