// Package experience loads and caches per-experience configuration.
//
// Each experience lives under <content root>/experiences/<id>/ and is
// described by a config.json selecting the state model (shared or isolated),
// locking behavior, and player bootstrap values. An experience whose config
// fails validation is refused without affecting other experiences.
package experience

import (
	"errors"
	"fmt"
)

// State models.
const (
	ModelShared   = "shared"
	ModelIsolated = "isolated"
)

// ErrConfigInvalid wraps all validation failures for an experience config.
var ErrConfigInvalid = errors.New("experience: config invalid")

// ErrNotFound is returned when no experience exists with the given id.
var ErrNotFound = errors.New("experience: not found")

// StateConfig selects the state model and concurrency discipline.
type StateConfig struct {
	Model                string `json:"model"`
	LockingEnabled       bool   `json:"locking_enabled"`
	OptimisticVersioning bool   `json:"optimistic_versioning"`
	LockTimeoutMs        int    `json:"lock_timeout_ms"`
}

// MultiplayerConfig declares whether multiple players share one world.
type MultiplayerConfig struct {
	Enabled bool `json:"enabled"`
}

// BootstrapConfig declares how a new player's view is created.
type BootstrapConfig struct {
	// PlayerStartingLocation is "location/area" or "location/area/spot".
	PlayerStartingLocation  string           `json:"player_starting_location"`
	PlayerStartingInventory []map[string]any `json:"player_starting_inventory"`
	CopyTemplateForIsolated bool             `json:"copy_template_for_isolated"`
}

// Config is the parsed config.json of one experience. Immutable after load;
// changes on disk require an explicit Reload.
type Config struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	State        StateConfig       `json:"state"`
	Multiplayer  MultiplayerConfig `json:"multiplayer"`
	Bootstrap    BootstrapConfig   `json:"bootstrap"`
	Capabilities map[string]bool   `json:"capabilities"`
}

const defaultLockTimeoutMs = 5000

// applyDefaults fills unset optional fields.
func (c *Config) applyDefaults() {
	if c.State.LockTimeoutMs <= 0 {
		c.State.LockTimeoutMs = defaultLockTimeoutMs
	}
}

// Validate checks required fields, the state model enum, and the cross-field
// rule that multiplayer requires (and is required by) the shared model.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}

	switch c.State.Model {
	case ModelShared, ModelIsolated:
	case "":
		errs = append(errs, errors.New("state.model must not be empty"))
	default:
		errs = append(errs, fmt.Errorf("state.model %q must be %q or %q",
			c.State.Model, ModelShared, ModelIsolated))
	}

	if c.State.Model == ModelShared && !c.Multiplayer.Enabled {
		errs = append(errs, errors.New("multiplayer.enabled must be true for the shared state model"))
	}
	if c.State.Model == ModelIsolated && c.Multiplayer.Enabled {
		errs = append(errs, errors.New("multiplayer.enabled must be false for the isolated state model"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Shared reports whether the experience uses one authoritative world for all
// players.
func (c *Config) Shared() bool {
	return c.State.Model == ModelShared
}

// Info is the discovery summary of one experience.
type Info struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Model        string          `json:"model"`
	Capabilities map[string]bool `json:"capabilities"`
}

// Info returns the discovery summary for this config.
func (c *Config) Info() Info {
	return Info{
		ID:           c.ID,
		Name:         c.Name,
		Version:      c.Version,
		Model:        c.State.Model,
		Capabilities: c.Capabilities,
	}
}
