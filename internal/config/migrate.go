package config

import (
	"github.com/BurntSushi/toml"
	goerrors "github.com/go-errors/errors"
)

// legacyDoc is the superset of every older schema shape this package
// knows how to migrate. Older schemas used a flat `peers` list
// instead of a `destinations` map (v1), then a `destinations` map
// without the `connection.buffer`/`max_surb_upstream` sub-tables (v2),
// then the current shape minus the `ping.interval_min/max` fields
// (v3). All of them are decoded in one pass: the v2/v3 tables are
// copied as they are, and a v1 `peers` list is converted into
// destinations.
type legacyDoc struct {
	Version int `toml:"version"`

	// v1 shape.
	Peers []legacyPeer `toml:"peers"`

	// v2/v3 shape.
	Destinations map[string]Destination `toml:"destinations"`
	Connection   Connection             `toml:"connection"`
	WireGuard    WireGuard              `toml:"wireguard"`
}

type legacyPeer struct {
	Address string   `toml:"address"`
	Path    []string `toml:"path"`
}

// migrate attempts to parse data against the legacy superset shape
// and, if successful, folds it forward to the current v4 Config. It
// is called only after the v4 decode failed or found another version
// number, and it fails on a parse error of the superset shape or on a
// version field outside 1-3.
func migrate(data []byte) (*Config, error) {
	var legacy legacyDoc
	if _, err := toml.Decode(string(data), &legacy); err != nil {
		return nil, goerrors.Errorf("config: migrate: %w", err)
	}
	if legacy.Version < 1 || legacy.Version > 3 {
		return nil, goerrors.Errorf("config: migrate: unrecognized legacy version %d", legacy.Version)
	}

	cfg := &Config{
		Version:      CurrentSchemaVersion,
		Destinations: legacy.Destinations,
		Connection:   legacy.Connection,
		WireGuard:    legacy.WireGuard,
	}

	if legacy.Version == 1 {
		cfg.Destinations = migrateV1Peers(legacy.Peers)
	}
	if cfg.Destinations == nil {
		cfg.Destinations = make(map[string]Destination)
	}

	return cfg, nil
}

// migrateV1Peers folds the v1 flat `peers` list into the v4
// `destinations` map shape: an intermediate path if `path` was set,
// otherwise a single-hop default.
func migrateV1Peers(peers []legacyPeer) map[string]Destination {
	out := make(map[string]Destination, len(peers))
	for _, p := range peers {
		if len(p.Path) > 0 {
			out[p.Address] = Destination{Path: p.Path}
			continue
		}
		one := 1
		out[p.Address] = Destination{Hops: &one}
	}
	return out
}
