// Package persist implements the single persisted-state file
// described in spec.md §6: a YAML document holding the deployed safe
// address and module address. Its presence on disk is how the
// orchestrator distinguishes cold start (CreatingSafe) from warm
// start. Grounded on channeldb's open-on-disk lifecycle shape,
// adapted from a multi-table bolt database down to one small file
// since that is all this schema requires (see DESIGN.md for the
// channeldb drop rationale).
package persist

import (
	"os"
	"path/filepath"

	goerrors "github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

// SafeState is the persisted document: the deployed safe contract
// address and its companion module contract address (spec.md
// GLOSSARY: "Safe / module").
type SafeState struct {
	SafeAddress   string `yaml:"safe_address"`
	ModuleAddress string `yaml:"module_address"`
}

// Load reads and parses the safe-state file at path. For a missing
// file the os error is returned unwrapped, so callers can use
// os.IsNotExist on it to distinguish "no safe persisted yet" (spec.md §4.1 startup step 2)
// from a genuine I/O failure.
func Load(path string) (*SafeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s SafeState
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, goerrors.Errorf("persist: unmarshal %s: %w", path, err)
	}
	return &s, nil
}

// Exists reports whether a safe-state file is present at path,
// without needing to parse it. The orchestrator's startup sequence
// (spec.md §4.1 step 2) uses this directly to decide whether to enter
// CreatingSafe.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Save writes state to path, creating parent directories as needed.
// Called exactly once per node lifetime, immediately after
// SafeDeployment resolves (spec.md §4.5).
func Save(path string, state SafeState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return goerrors.Errorf("persist: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return goerrors.Errorf("persist: create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o600)
}
