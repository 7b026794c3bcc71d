// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"io"
	"time"
)

// Size limits from spec §3: maximum plaintext record length is a configured
// constant; ciphertext record length is MAX_PLAINTEXT + CRYPTO_OVERHEAD and
// must fit a 16-bit wire length field.
const (
	MaxPlaintext  = 4096
	CryptoOverhead = 16 // secretbox.Overhead (poly1305 tag)
	MaxCiphertext = MaxPlaintext + CryptoOverhead
	NonceSize     = 24 // golang.org/x/crypto/nacl/secretbox nonce width

	// BufferCapacity is the forward buffer's fixed capacity (spec §3, ~16KiB).
	BufferCapacity = 16 * 1024

	// maxEvents bounds the event loop's fixed-size fd table (spec §3).
	maxEvents = 512

	// acceptBacklog is the listener's accept backlog (spec §4.3).
	acceptBacklog = 128
)

// Config holds engine-wide settings, referenced by every connection pair
// (spec §3: "the engine-wide configuration pointer").
type Config struct {
	// BindAddr/BindPort is the address the listener binds.
	BindAddr string
	BindPort int

	// ServerAddr/ServerPort is the fixed upstream target.
	ServerAddr string
	ServerPort int

	// EncryptClientLeg enables the framing codec on the client-facing leg
	// (CLI flag -i).
	EncryptClientLeg bool

	// EncryptServerLeg enables the framing codec on the server-facing leg
	// (CLI flag -o).
	EncryptServerLeg bool

	// Rand is the CSPRNG used for keypair generation and nonce sampling.
	// Defaults to crypto/rand.Reader; tests may substitute a deterministic
	// source.
	Rand io.Reader

	// PollTimeout bounds each readiness-poll call (spec §5: "an optional
	// timeout for its readiness call"). NewEngine replaces zero or a
	// negative value with one second.
	PollTimeout time.Duration

	// ShutdownGrace bounds how long the run loop waits for in-flight pairs
	// to drain their buffered chunk after a shutdown signal (SPEC_FULL §12).
	ShutdownGrace time.Duration

	// Logger receives structured log lines. A nil Logger discards output.
	Logger Logger

	// Metrics receives forwarding/handshake counters. A nil Metrics is a
	// no-op sink.
	Metrics MetricsSink
}

// Logger is the minimal structured-logging surface the engine depends on;
// satisfied by *rlog.Logger (see internal/rlog).
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// MetricsSink is the minimal metrics surface the engine depends on;
// satisfied by *Metrics (see metrics.go).
type MetricsSink interface {
	PairAccepted()
	PairClosed()
	BytesForwarded(leg string, n int)
	HandshakeFailed()
}

// noopLogger discards everything; used when Config.Logger is nil.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// noopMetrics discards everything; used when Config.Metrics is nil.
type noopMetrics struct{}

func (noopMetrics) PairAccepted()                {}
func (noopMetrics) PairClosed()                  {}
func (noopMetrics) BytesForwarded(string, int)    {}
func (noopMetrics) HandshakeFailed()              {}

func (c *Config) logger() Logger {
	if c.Logger == nil {
		return noopLogger{}
	}
	return c.Logger
}

func (c *Config) metrics() MetricsSink {
	if c.Metrics == nil {
		return noopMetrics{}
	}
	return c.Metrics
}
