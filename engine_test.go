// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoUpstream accepts one connection and echoes everything it reads back
// to the same connection, until the peer closes.
func echoUpstream(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

func TestEngineClearTextEcho(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	echoUpstream(t, upstream)

	upstreamPort := upstream.Addr().(*net.TCPAddr).Port
	const proxyPort = 58300

	cfg := &Config{
		BindAddr:    "127.0.0.1",
		BindPort:    proxyPort,
		ServerAddr:  "127.0.0.1",
		ServerPort:  upstreamPort,
		PollTimeout: 50 * time.Millisecond,
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run() }()
	defer func() {
		engine.Stop()
		<-runErr
	}()

	conn := dialRetry(t, "127.0.0.1", proxyPort)
	defer conn.Close()

	msg := []byte("round trip through the proxy")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	out := make([]byte, len(msg))
	_, err = io.ReadFull(conn, out)
	require.NoError(t, err)
	require.Equal(t, msg, out)
}

func TestEngineEncryptedServerLeg(t *testing.T) {
	// Upstream that itself speaks the framing codec on its one connection:
	// decrypt, then echo the plaintext back encrypted.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		c := newCodec(pipeTransport{conn}, rand.Reader)
		for {
			if err := c.handshake(); err == nil {
				break
			} else if err != ErrWantRead && err != ErrWantWrite {
				return
			}
		}
		buf := make([]byte, 4096)
		for {
			n, err := c.recv(buf)
			if n > 0 {
				if _, werr := c.send(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	upstreamPort := upstream.Addr().(*net.TCPAddr).Port
	const proxyPort = 58301

	cfg := &Config{
		BindAddr:         "127.0.0.1",
		BindPort:         proxyPort,
		ServerAddr:       "127.0.0.1",
		ServerPort:       upstreamPort,
		EncryptServerLeg: true,
		PollTimeout:      50 * time.Millisecond,
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run() }()
	defer func() {
		engine.Stop()
		<-runErr
	}()

	conn := dialRetry(t, "127.0.0.1", proxyPort)
	defer conn.Close()

	msg := []byte("plaintext in, plaintext out, encrypted in the middle")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	out := make([]byte, len(msg))
	_, err = io.ReadFull(conn, out)
	require.NoError(t, err)
	require.Equal(t, msg, out)
}

func dialRetry(t *testing.T, host string, port int) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s:%d: %v", host, port, lastErr)
	return nil
}
