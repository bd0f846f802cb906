// Package config parses and validates the TOML configuration file
// described in spec.md §6: schema v4, with v1-v3 migration and an
// unknown-key ("wrong_keys") report. Grounded on BurntSushi/toml's
// MetaData.Undecoded() for the wrong_keys report, and on
// discovery/validation.go's one-validator-per-section shape for the
// per-section validation functions below.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/routingpolicy"
)

// CurrentSchemaVersion is the schema this package parses into
// natively; v1-v3 documents are migrated in-memory into this shape
// before validation (spec.md §6).
const CurrentSchemaVersion = 4

// Config is the in-memory model of the v4 schema.
type Config struct {
	Version      int                    `toml:"version"`
	Destinations map[string]Destination `toml:"destinations"`
	Connection   Connection             `toml:"connection"`
	WireGuard    WireGuard              `toml:"wireguard"`

	// WrongKeys lists TOML keys present in the source document that
	// this schema does not recognize. Populated by Load, never by
	// hand; spec.md §6/§8 requires these be reported, not rejected.
	WrongKeys []string `toml:"-"`
}

// Destination is one entry of the `destinations` map: address string
// -> {meta?, path?} (spec.md §3).
type Destination struct {
	Meta          map[string]string `toml:"meta"`
	Path          []string          `toml:"path"`
	Hops          *int              `toml:"hops"`
	AllowInsecure bool              `toml:"allow_insecure"`
}

// Policy builds the routingpolicy.Policy this destination describes,
// enforcing the invariants of spec.md §3 / routingpolicy.
func (d Destination) Policy(addr string) (routingpolicy.Policy, error) {
	if len(d.Path) > 0 {
		return routingpolicy.NewIntermediatePath(addr, d.Path)
	}
	hops := 0
	if d.Hops != nil {
		hops = *d.Hops
	}
	return routingpolicy.NewHops(addr, hops, d.AllowInsecure)
}

// Connection is the `connection` table (spec.md §6).
type Connection struct {
	HTTPTimeoutSeconds int              `toml:"http_timeout"`
	Bridge             SessionEndpoint  `toml:"bridge"`
	WG                 SessionEndpoint  `toml:"wg"`
	Ping               PingConfig       `toml:"ping"`
	Buffer             BufferSizes      `toml:"buffer"`
	MaxSurbUpstream    SurbUpstreamRate `toml:"max_surb_upstream"`
}

// SessionEndpoint captures the `bridge`/`wg` sub-tables:
// `{capabilities, target}`.
type SessionEndpoint struct {
	Capabilities []string `toml:"capabilities"`
	Target       string   `toml:"target"`
}

// PingConfig is the `ping` sub-table: `{address?, timeout?,
// ttl?, seq_count?}`, plus the interval bounds checked by spec.md §8
// ("ping interval.min < interval.max enforced at config parse").
type PingConfig struct {
	Address       string `toml:"address"`
	TimeoutMillis int    `toml:"timeout"`
	TTL           int    `toml:"ttl"`
	SeqCount      int    `toml:"seq_count"`
	IntervalMin   int    `toml:"interval_min"`
	IntervalMax   int    `toml:"interval_max"`
}

// BufferSizes is the `buffer` sub-table, ByteSize strings per bridge
// / ping / main session.
type BufferSizes struct {
	Bridge string `toml:"bridge"`
	Ping   string `toml:"ping"`
	Main   string `toml:"main"`
}

// SurbUpstreamRate is the `max_surb_upstream` sub-table, bandwidth
// strings per bridge / ping / main session.
type SurbUpstreamRate struct {
	Bridge string `toml:"bridge"`
	Ping   string `toml:"ping"`
	Main   string `toml:"main"`
}

// WireGuard is the `wireguard` table: `{listen_port?, allowed_ips?,
// force_private_key?}`.
type WireGuard struct {
	ListenPort      *uint16 `toml:"listen_port"`
	AllowedIPs      string  `toml:"allowed_ips"`
	ForcePrivateKey string  `toml:"force_private_key"`
}

// Load reads and validates the config file at path. A document that
// fails to decode as v4, or carries another version number, is decoded
// once more into a superset of the v1-v3 shapes and migrated forward
// (see migrate); if that also fails, the v4 decode error (or an
// unsupported-version error) is returned (spec.md §6: "a TOML parse
// that fails v4 but matches an older shape is migrated in-memory").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerrors.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw TOML bytes into a validated Config, following the
// same migrate-on-failure strategy as Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil || cfg.Version != CurrentSchemaVersion {
		if migrated, merr := migrate(data); merr == nil {
			cfg = *migrated
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		if err != nil {
			return nil, goerrors.Errorf("config: parse: %w", err)
		}
		return nil, goerrors.Errorf(
			"config: unsupported schema version %d (want %d)",
			cfg.Version, CurrentSchemaVersion,
		)
	}

	cfg.WrongKeys = undecodedKeys(meta)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func undecodedKeys(meta toml.MetaData) []string {
	undecoded := meta.Undecoded()
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	return keys
}

func validate(cfg *Config) error {
	if err := validateDestinations(cfg.Destinations); err != nil {
		return err
	}
	if err := validatePing(cfg.Connection.Ping); err != nil {
		return err
	}
	return nil
}

// validateDestinations mirrors discovery/validation.go's
// one-function-per-message-kind shape: walk every destination and
// build its routing policy, surfacing the first invariant violation.
func validateDestinations(dests map[string]Destination) error {
	for addr, d := range dests {
		if _, err := d.Policy(addr); err != nil {
			return goerrors.Errorf("config: destination %s: %w", addr, err)
		}
	}
	return nil
}

// validatePing enforces spec.md §8's "interval.min < interval.max"
// boundary.
func validatePing(p PingConfig) error {
	if p.IntervalMin == 0 && p.IntervalMax == 0 {
		return nil
	}
	if p.IntervalMin >= p.IntervalMax {
		return fmt.Errorf(
			"config: ping interval_min (%d) must be < interval_max (%d)",
			p.IntervalMin, p.IntervalMax,
		)
	}
	return nil
}
