package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for a ring peer.
type Config struct {
	// Node identification
	Host string
	Port int

	// WebSocket telemetry API
	HTTPPort int

	// Bootstrap
	BootstrapAddr string // empty means this peer starts a new ring

	// Ring identifier space (spec.md §3)
	RingBase   int64 // default 16
	RingDigits int   // default 32

	// Chord parameters
	StabilizeInterval  time.Duration // passed to chord.Node, which does not read it; stabilization runs once per MaintenanceInterval
	MaintenanceInterval time.Duration // cadence of the combined stabilize/global/local loop
	RPCTimeout         time.Duration // per-call RPC timeout (default 5s)
	SuccessorListSize  int           // K: successors maintained (>= 3 for plain Chord, default 14 for DHash)
	MerkleFanout       int           // f: Merkle tree branching factor

	// DHash / IDA parameters (spec.md §4.3, §6), runtime-adjustable via
	// SetIdaParams before the first Create.
	IdaN int
	IdaM int
	IdaP int64

	// Logging (compatible with pkg.Logger)
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // empty disables file-rotated logging
}

// DefaultConfig returns the reference configuration of spec.md §3/§4.3/§6.
func DefaultConfig() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                7300,
		HTTPPort:            8080,
		RingBase:            16,
		RingDigits:          32,
		StabilizeInterval:   5 * time.Second,
		MaintenanceInterval: 5 * time.Second,
		RPCTimeout:          5 * time.Second,
		SuccessorListSize:   14,
		MerkleFanout:        8,
		IdaN:                14,
		IdaM:                10,
		IdaP:                257,
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Validate checks invariants, including the IDA parameter constraints of
// spec.md §4.3 (n > m, p > n, p prime) per §7 kind 5 (malformed
// configuration, surfaced at construction).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.RingBase < 2 || c.RingDigits <= 0 {
		return fmt.Errorf("invalid ring space: base=%d digits=%d", c.RingBase, c.RingDigits)
	}
	if c.SuccessorListSize < 1 {
		return fmt.Errorf("successor list size must be >= 1, got %d", c.SuccessorListSize)
	}
	if c.MerkleFanout < 2 {
		return fmt.Errorf("merkle fanout must be >= 2, got %d", c.MerkleFanout)
	}
	if c.IdaN <= c.IdaM {
		return fmt.Errorf("invalid IDA parameters: n (%d) must be > m (%d)", c.IdaN, c.IdaM)
	}
	if c.IdaP <= int64(c.IdaN) {
		return fmt.Errorf("invalid IDA parameters: p (%d) must be > n (%d)", c.IdaP, c.IdaN)
	}
	if !isPrime(c.IdaP) {
		return fmt.Errorf("invalid IDA parameters: p (%d) must be prime", c.IdaP)
	}
	return nil
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}
	for i := int64(2); i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
