// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"bytes"
	"testing"
)

// fakeTransport is a minimal in-memory transport for driving forwardBuffer
// without a real socket.
type fakeTransport struct {
	in         bytes.Buffer
	wouldBlock bool
	disconnect bool
	out        bytes.Buffer
	sendLimit  int
}

func (t *fakeTransport) recv(p []byte) (int, error) {
	if t.in.Len() == 0 {
		if t.disconnect {
			return 0, ErrDisconnect
		}
		return 0, ErrWouldBlock
	}
	n, _ := t.in.Read(p)
	if t.in.Len() == 0 && t.wouldBlock {
		return n, nil
	}
	return n, nil
}

func (t *fakeTransport) send(p []byte) (int, error) {
	n := len(p)
	if t.sendLimit > 0 && n > t.sendLimit {
		n = t.sendLimit
	}
	t.out.Write(p[:n])
	if n < len(p) {
		return n, ErrWouldBlock
	}
	return n, nil
}

func TestForwardBufferRecvWouldBlock(t *testing.T) {
	var b forwardBuffer
	tr := &fakeTransport{}
	if err := b.recv(tr); err != ErrWouldBlock {
		t.Fatalf("recv on empty transport: got %v, want ErrWouldBlock", err)
	}
	if !b.empty() {
		t.Fatalf("buffer should remain empty")
	}
}

func TestForwardBufferRecvThenSend(t *testing.T) {
	var b forwardBuffer
	tr := &fakeTransport{}
	tr.in.WriteString("hello, world")

	if err := b.recv(tr); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !b.pending() {
		t.Fatalf("buffer should be pending after recv")
	}

	out := &fakeTransport{}
	if err := b.send(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.pending() {
		t.Fatalf("buffer should be empty after a full send")
	}
	if out.out.String() != "hello, world" {
		t.Fatalf("got %q", out.out.String())
	}
}

func TestForwardBufferSendPartial(t *testing.T) {
	var b forwardBuffer
	tr := &fakeTransport{}
	tr.in.WriteString("0123456789")
	if err := b.recv(tr); err != nil {
		t.Fatalf("recv: %v", err)
	}

	out := &fakeTransport{sendLimit: 4}
	if err := b.send(out); err != ErrWouldBlock {
		t.Fatalf("send: got %v, want ErrWouldBlock", err)
	}
	if !b.pending() {
		t.Fatalf("buffer should still hold the unsent remainder")
	}

	out.sendLimit = 0
	if err := b.send(out); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if out.out.String() != "0123456789" {
		t.Fatalf("got %q", out.out.String())
	}
}

func TestForwardBufferRecvDisconnectWithData(t *testing.T) {
	var b forwardBuffer
	tr := &fakeTransport{disconnect: true}
	tr.in.WriteString("leftover")

	err := b.recv(tr)
	if err != ErrDisconnect {
		t.Fatalf("got %v, want ErrDisconnect", err)
	}
	if b.size != len("leftover") {
		t.Fatalf("expected leftover bytes buffered alongside the close, got size=%d", b.size)
	}
}

func TestForwardBufferRecvDisconnectNoData(t *testing.T) {
	var b forwardBuffer
	tr := &fakeTransport{disconnect: true}

	if err := b.recv(tr); err != ErrDisconnect {
		t.Fatalf("got %v, want ErrDisconnect", err)
	}
}
