// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"
)

// pipeTransport adapts a blocking net.Conn to the transport interface for
// codec tests; the conn blocks rather than returning ErrWouldBlock, which
// is fine for these one-goroutine-per-side round-trip tests.
type pipeTransport struct{ c net.Conn }

// loopbackPair returns both ends of a loopback TCP connection. Unlike
// net.Pipe, TCP buffers writes in the kernel, so both codecs can send their
// public key before either one reads the peer's.
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b := <-accepted
	if b == nil {
		t.Fatalf("accept failed")
	}
	return a, b
}

func (p pipeTransport) recv(b []byte) (int, error) {
	n, err := p.c.Read(b)
	if err == io.EOF {
		return n, ErrDisconnect
	}
	return n, err
}

func (p pipeTransport) send(b []byte) (int, error) {
	n, err := p.c.Write(b)
	return n, err
}

func handshakePair(t *testing.T) (*codec, *codec, net.Conn, net.Conn) {
	t.Helper()
	a, b := loopbackPair(t)
	ca := newCodec(pipeTransport{a}, rand.Reader)
	cb := newCodec(pipeTransport{b}, rand.Reader)

	errCh := make(chan error, 2)
	go func() {
		for {
			err := ca.handshake()
			if err == nil || (err != ErrWantRead && err != ErrWantWrite) {
				errCh <- err
				return
			}
		}
	}()
	go func() {
		for {
			err := cb.handshake()
			if err == nil || (err != ErrWantRead && err != ErrWantWrite) {
				errCh <- err
				return
			}
		}
	}()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}
	return ca, cb, a, b
}

func TestCodecHandshakeAndRoundTrip(t *testing.T) {
	ca, cb, a, b := handshakePair(t)
	defer a.Close()
	defer b.Close()

	msg := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan error, 1)
	go func() {
		n, err := ca.send(msg)
		if err == nil && n != len(msg) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	out := make([]byte, 256)
	n, err := cb.recv(out)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(out[:n], msg) {
		t.Fatalf("got %q, want %q", out[:n], msg)
	}
}

// tamperSendTransport flips a ciphertext byte on the second send() call
// made through it (the first is always the 32-byte handshake pubkey).
type tamperSendTransport struct {
	inner     transport
	sendCount int
}

func (t *tamperSendTransport) recv(p []byte) (int, error) { return t.inner.recv(p) }

func (t *tamperSendTransport) send(p []byte) (int, error) {
	t.sendCount++
	if t.sendCount == 2 && len(p) > headerSize {
		cp := make([]byte, len(p))
		copy(cp, p)
		cp[headerSize] ^= 0xFF
		return t.inner.send(cp)
	}
	return t.inner.send(p)
}

func TestCodecTamperedCiphertextFailsDecrypt(t *testing.T) {
	a, b := loopbackPair(t)
	defer a.Close()
	defer b.Close()

	ca := newCodec(&tamperSendTransport{inner: pipeTransport{a}}, rand.Reader)
	cb := newCodec(pipeTransport{b}, rand.Reader)

	errCh := make(chan error, 2)
	for _, c := range []*codec{ca, cb} {
		c := c
		go func() {
			for {
				err := c.handshake()
				if err == nil || (err != ErrWantRead && err != ErrWantWrite) {
					errCh <- err
					return
				}
			}
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := ca.send([]byte("integrity matters"))
		done <- err
	}()

	out := make([]byte, 256)
	_, err := cb.recv(out)
	if err != ErrCrypto {
		t.Fatalf("got %v, want ErrCrypto", err)
	}
	<-done
}

func TestCodecRejectsOversizedLength(t *testing.T) {
	ca, cb, a, b := handshakePair(t)
	defer a.Close()
	defer b.Close()
	_ = ca

	// Write a header claiming a length beyond MaxCiphertext directly on
	// the wire and confirm recv reports ErrTooLong rather than blocking
	// forever.
	var hdr [headerSize]byte
	hdr[0] = 0xFF
	hdr[1] = 0xFF
	done := make(chan struct{})
	go func() {
		_, _ = a.Write(hdr[:])
		close(done)
	}()
	out := make([]byte, 16)
	a.SetDeadline(time.Now().Add(time.Second))
	b.SetDeadline(time.Now().Add(time.Second))
	_, err := cb.recv(out)
	if err != ErrTooLong {
		t.Fatalf("got %v, want ErrTooLong", err)
	}
	<-done
}
