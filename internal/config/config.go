// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the concentrator's configuration (spec.md §6): a
// TOML base file, overlaid with environment variables for container-style
// deployment, mirroring how pkg/katautils/config.go decodes
// configuration.toml into KataConfiguration and how the rest of this
// retrieval pack layers env vars over a struct with caarlos0/env. CLI
// flags (cmd/vspcd) take precedence over both and are applied last by the
// caller.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config is the concentrator's full configuration surface, spec.md §6:
// "proxy listen port, admin listen port, first per-guest port (optional),
// orphan-expiry seconds, optional TLS material for the hypervisor
// listener."
type Config struct {
	// ProxyListen is the address the hypervisor-facing telnet listener
	// binds (e.g. "0.0.0.0:13370"). Ignored when ProxyVsockPort is set.
	ProxyListen string `toml:"proxy_listen" env:"VSPC_PROXY_LISTEN"`

	// ProxyVsockPort, when non-zero, binds the hypervisor-facing listener
	// on AF_VSOCK instead of TCP, for a concentrator running as (or
	// alongside) a hypervisor host component with guests reachable only
	// over a VM socket rather than the network (spec.md §6's "listen
	// address" is transport-agnostic; mirrors how the teacher's agent
	// client dials a guest over vsock rather than TCP). TLS material is
	// not applied to this listener: AF_VSOCK is already host-guest
	// local and carries no routable attack surface to wrap.
	ProxyVsockPort uint32 `toml:"proxy_vsock_port" env:"VSPC_PROXY_VSOCK_PORT"`

	// AdminListen is the address the admin protocol listener binds.
	AdminListen string `toml:"admin_listen" env:"VSPC_ADMIN_LISTEN"`

	// DebugListen is the address the debug HTTP server (metrics,
	// read-only guest listing) binds. Empty disables it.
	DebugListen string `toml:"debug_listen" env:"VSPC_DEBUG_LISTEN"`

	// VMPortStart is the first port handed out by the per-guest port
	// allocator. A nil value (absent from the TOML file and unset in the
	// environment) disables per-guest ports entirely, per spec.md §4.4.
	VMPortStart *int `toml:"vm_port_start" env:"VSPC_VM_PORT_START"`

	// OrphanExpire is how long an orphaned guest survives before
	// eviction (spec.md §3's vm_expire_time).
	OrphanExpire time.Duration `toml:"orphan_expire" env:"VSPC_ORPHAN_EXPIRE"`

	// SeedBytes bounds how many trailing bytes of console output the
	// memory and Postgres backends retain per guest for admin-attach
	// replay.
	SeedBytes int `toml:"seed_bytes" env:"VSPC_SEED_BYTES"`

	// TLSCertFile / TLSKeyFile are optional PEM material for the
	// hypervisor-facing listener; both empty means plaintext TCP. When
	// set, internal/concentrator watches them with fsnotify and reloads
	// without a restart.
	TLSCertFile string `toml:"tls_cert_file" env:"VSPC_TLS_CERT_FILE"`
	TLSKeyFile  string `toml:"tls_key_file" env:"VSPC_TLS_KEY_FILE"`

	// Backend selects the persistence/notification collaborator:
	// "memory" (default), "postgres", "nats", or a comma-separated
	// combination fanned out through backend.Multi (e.g.
	// "postgres,nats").
	Backend string `toml:"backend" env:"VSPC_BACKEND"`

	PostgresDSN string `toml:"postgres_dsn" env:"VSPC_POSTGRES_DSN"`
	NATSURL     string `toml:"nats_url" env:"VSPC_NATS_URL"`
	NATSSubject string `toml:"nats_subject" env:"VSPC_NATS_SUBJECT"`

	LogLevel string `toml:"log_level" env:"VSPC_LOG_LEVEL"`
}

// defaults returns the configuration's baseline before any TOML file or
// environment variable is consulted. Defaults live here rather than as
// envDefault struct tags because caarlos0/env reapplies an envDefault
// whenever its environment variable is absent, which would clobber a
// value the TOML file had already set; keeping defaults as a plain
// literal and applying them first, under the TOML decode and the env
// overlay, avoids that trap while still using both libraries for what
// they're good at.
func defaults() *Config {
	return &Config{
		ProxyListen:  "0.0.0.0:13370",
		AdminListen:  "127.0.0.1:13371",
		DebugListen:  "127.0.0.1:13372",
		OrphanExpire: 300 * time.Second,
		SeedBytes:    4096,
		Backend:      "memory",
		NATSURL:      "nats://127.0.0.1:4222",
		NATSSubject:  "vspc",
		LogLevel:     "info",
	}
}

// Load decodes path (if non-empty) as TOML over the built-in defaults,
// then overlays environment variables on top, matching SPEC_FULL.md's
// AMBIENT STACK: defaults, TOML base, env overlay, with CLI flags applied
// last by the caller.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}

	return cfg, nil
}
