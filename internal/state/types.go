// Package state is the central authority over experience state: world
// documents, player views, and player profiles. It layers optimistic
// versioning, advisory locking, bootstrap, and reset on top of the document
// store, keyed by the experience's configured state model.
package state

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotInitialized is returned when a player view is read before
	// EnsurePlayerInitialized has created it.
	ErrNotInitialized = errors.New("state: player not initialized")

	// ErrConflict is returned when a mutation still hits a version conflict
	// after all retries.
	ErrConflict = errors.New("state: version conflict after retries")

	// ErrNoWorld is returned when an experience has neither a live world nor
	// a template to create one from.
	ErrNoWorld = errors.New("state: world document not found")
)

// Metadata is carried by every stored document.
type Metadata struct {
	Version      int64  `json:"_version"`
	CreatedAt    string `json:"_created_at,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Item is an item instance placed in the world or held in an inventory.
type Item struct {
	InstanceID   string         `json:"instance_id"`
	TemplateID   string         `json:"template_id"`
	SemanticName string         `json:"semantic_name,omitempty"`
	Description  string         `json:"description,omitempty"`
	Visible      bool           `json:"visible"`
	Collectible  bool           `json:"collectible"`
	Consumable   bool           `json:"consumable,omitempty"`
	Effects      map[string]any `json:"effects,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

// Spot is the finest spatial container. Items attach to spots.
type Spot struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Items       []Item   `json:"items,omitempty"`
	ConnectsTo  []string `json:"connects_to,omitempty"`
}

// Area groups spots inside a location. Items may attach directly to an area
// when no spot applies.
type Area struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Spots       map[string]Spot `json:"spots,omitempty"`
	Items       []Item          `json:"items,omitempty"`
	ConnectsTo  []string        `json:"connects_to,omitempty"`
}

// Location is the top spatial container of a world.
type Location struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Areas       map[string]Area `json:"areas,omitempty"`
	Exits       []string        `json:"exits,omitempty"`
}

// GiftRule is the declarative gift hook table an NPC template may declare.
// Giving an accepted item increments Counter in the NPC state; reaching
// Threshold fires OnComplete once.
type GiftRule struct {
	Accepts   []string       `json:"accepts"`
	Counter   string         `json:"counter"`
	Threshold int            `json:"threshold,omitempty"`
	OnAccept  *GiftEffect    `json:"on_accept,omitempty"`
	OnComplete *GiftEffect   `json:"on_complete,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// GiftEffect is one side effect of a gift rule firing.
type GiftEffect struct {
	Dialogue        string         `json:"dialogue,omitempty"`
	SetState        map[string]any `json:"set_state,omitempty"`
	IncrementGlobal string         `json:"increment_global,omitempty"`
	QuestID         string         `json:"quest_id,omitempty"`
}

// NPC is a live NPC instance inside a world document. Template fields
// (personality, gift rules) are read-only definitions; State holds the
// mutable counters.
type NPC struct {
	TemplateID  string         `json:"template_id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	Area        string         `json:"area,omitempty"`
	Personality string         `json:"personality,omitempty"`
	GiftRules   []GiftRule     `json:"gift_rules,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

// World is an experience's authoritative world document. One per experience
// for the shared model, one per player for isolated.
type World struct {
	Locations   map[string]Location `json:"locations"`
	NPCs        map[string]NPC      `json:"npcs,omitempty"`
	GlobalState map[string]any      `json:"global_state,omitempty"`
	Metadata    Metadata            `json:"metadata"`
}

// Position is a player's place in the world hierarchy.
type Position struct {
	Location string `json:"current_location"`
	Area     string `json:"current_area,omitempty"`
	Spot     string `json:"current_sublocation,omitempty"`
}

// PlayerState is the player section of a view.
type PlayerState struct {
	Position
	Inventory []Item         `json:"inventory"`
	Stats     map[string]any `json:"stats"`
}

// Progress tracks what the player has seen and done in an experience.
type Progress struct {
	VisitedLocations []string                  `json:"visited_locations"`
	QuestStates      map[string]map[string]any `json:"quest_states"`
	Achievements     []string                  `json:"achievements"`
}

// Relationship is the player-private side of a player-NPC relationship. It
// lives in the view, never in the shared NPC object.
type Relationship struct {
	Trust               int            `json:"trust"`
	ConversationHistory []string       `json:"conversation_history,omitempty"`
	DialogueState       map[string]any `json:"dialogue_state,omitempty"`
}

// Session tracks per-view session bookkeeping.
type Session struct {
	StartedAt  string `json:"started_at,omitempty"`
	LastActive string `json:"last_active,omitempty"`
	TurnsTaken int    `json:"turns_taken"`
}

// View is a player's private state for one experience.
type View struct {
	Player        PlayerState             `json:"player"`
	Progress      Progress                `json:"progress"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Session       Session                 `json:"session"`
	Metadata      Metadata                `json:"metadata"`
}

// GlobalStats is the cross-experience statistics block of a profile.
type GlobalStats struct {
	ExperiencesPlayed []string `json:"experiences_played,omitempty"`
}

// Profile is a player's cross-experience document. It survives experience
// resets.
type Profile struct {
	CurrentExperience string         `json:"current_experience,omitempty"`
	Preferences       map[string]any `json:"preferences,omitempty"`
	GlobalStats       GlobalStats    `json:"global_stats"`
	Metadata          Metadata       `json:"metadata"`
}

// now returns the RFC 3339 timestamp used in document metadata.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// marshalDoc serialises a document for storage.
func marshalDoc(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// HasVisited reports whether loc is in the visited set.
func (p *Progress) HasVisited(loc string) bool {
	for _, v := range p.VisitedLocations {
		if v == loc {
			return true
		}
	}
	return false
}

// Visit adds loc to the visited set if absent.
func (p *Progress) Visit(loc string) {
	if !p.HasVisited(loc) {
		p.VisitedLocations = append(p.VisitedLocations, loc)
	}
}

// FindInventoryItem returns the index of instanceID in the inventory, or -1.
func (p *PlayerState) FindInventoryItem(instanceID string) int {
	for i, it := range p.Inventory {
		if it.InstanceID == instanceID {
			return i
		}
	}
	return -1
}

// RemoveInventoryItem removes and returns the item at index i, preserving
// inventory order.
func (p *PlayerState) RemoveInventoryItem(i int) Item {
	it := p.Inventory[i]
	p.Inventory = append(p.Inventory[:i], p.Inventory[i+1:]...)
	return it
}

// AreaAt returns the area at the position, or nil.
func (w *World) AreaAt(pos Position) *Area {
	loc, ok := w.Locations[pos.Location]
	if !ok {
		return nil
	}
	area, ok := loc.Areas[pos.Area]
	if !ok {
		return nil
	}
	return &area
}

// SpotAt returns the spot at the position, or nil when the position has no
// spot or it does not exist.
func (w *World) SpotAt(pos Position) *Spot {
	area := w.AreaAt(pos)
	if area == nil || pos.Spot == "" {
		return nil
	}
	spot, ok := area.Spots[pos.Spot]
	if !ok {
		return nil
	}
	return &spot
}
