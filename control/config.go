// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Functional-options configuration for a Device: ring sizes, timeouts,
// and register offsets. There is no config-file surface (the peripheral
// exposes none), so this stays a plain struct built with options rather
// than reaching for a parser.

package control

import "time"

// Config holds the tunables a Device needs at construction time.
type Config struct {
	// BootstrapSQSize sizes the bring-up command-queue dispatcher's
	// rings: its SQ and its CQ are both created with that element count,
	// and Device does not read BootstrapCQSize. The firmware expects an
	// el_count of 0x20.
	BootstrapCQSize int
	BootstrapSQSize int

	// CommandTimeout bounds dispatcher calls (register/unregister/flush).
	CommandTimeout time.Duration

	// MailboxTimeout bounds the bring-up mailbox handshake.
	MailboxTimeout time.Duration

	// ReservationTimeout is the default applied to submission
	// reservations whose ctx carries no deadline of its own.
	ReservationTimeout time.Duration

	// MaxQueues bounds the QID space the fabric will route completions
	// into; an out-of-range QID is dropped as a fabric-wide protocol
	// error rather than treated as a single-queue desync.
	MaxQueues int

	// DoorbellBaseOffset is the offset of the doorbell register array
	// within the DMA register window. Exposed here so a
	// platform variant with a different register layout can override it.
	DoorbellBaseOffset uintptr
}

// DefaultConfig returns defaults matching the firmware's bring-up
// expectations.
func DefaultConfig() Config {
	return Config{
		BootstrapCQSize:    0x20,
		BootstrapSQSize:    0x20,
		CommandTimeout:     5 * time.Second,
		MailboxTimeout:     2 * time.Second,
		ReservationTimeout: time.Second,
		MaxQueues:          256,
		DoorbellBaseOffset: 0x44000,
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithBootstrapRingSize overrides both bring-up ring sizes.
func WithBootstrapRingSize(n int) Option {
	return func(c *Config) {
		c.BootstrapCQSize = n
		c.BootstrapSQSize = n
	}
}

// WithCommandTimeout overrides the dispatcher's default command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommandTimeout = d }
}

// WithMailboxTimeout overrides the bring-up handshake timeout.
func WithMailboxTimeout(d time.Duration) Option {
	return func(c *Config) { c.MailboxTimeout = d }
}

// WithReservationTimeout overrides the default reserve_submission timeout.
func WithReservationTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReservationTimeout = d }
}

// WithMaxQueues overrides the fabric's QID bound.
func WithMaxQueues(n int) Option {
	return func(c *Config) { c.MaxQueues = n }
}

// NewConfig builds a Config from the defaults plus any options.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
