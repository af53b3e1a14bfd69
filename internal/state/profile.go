package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
)

// profileLockTimeout bounds profile writes. Profiles are single-writer per
// player; the lock only covers brief overlaps between connections.
const profileLockTimeout = 2 * time.Second

// GetPlayerProfile returns the player's cross-experience profile. A player
// with no stored profile gets a fresh zero profile; it is persisted on the
// first profile mutation.
func (m *Manager) GetPlayerProfile(ctx context.Context, playerID string) (*Profile, error) {
	doc, _, err := m.store.Read(ctx, profilePath(playerID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &Profile{}, nil
		}
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("state: parse profile for %q: %w", playerID, err)
	}
	return &p, nil
}

// updateProfile applies mutator to the profile under its lock, creating the
// document when it does not exist yet.
func (m *Manager) updateProfile(ctx context.Context, playerID string, mutator func(p *Profile) error) (*Profile, error) {
	path := profilePath(playerID)
	var out *Profile
	err := docstore.WithLock(ctx, m.store, path, profileLockTimeout, func(ctx context.Context) error {
		p, err := m.GetPlayerProfile(ctx, playerID)
		if err != nil {
			return err
		}
		stored := p.Metadata.Version
		if err := mutator(p); err != nil {
			return err
		}
		p.Metadata.Version++
		p.Metadata.LastModified = now()
		if p.Metadata.CreatedAt == "" {
			p.Metadata.CreatedAt = p.Metadata.LastModified
		}
		doc, err := marshalDoc(p)
		if err != nil {
			return err
		}
		if err := m.store.Write(ctx, path, doc, stored); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// SetCurrentExperience records the player's selected experience. The
// experience config must load successfully, keeping profile pointers valid.
func (m *Manager) SetCurrentExperience(ctx context.Context, playerID, experienceID string) (*Profile, error) {
	if _, err := m.exps.Load(experienceID); err != nil {
		return nil, err
	}
	return m.updateProfile(ctx, playerID, func(p *Profile) error {
		p.CurrentExperience = experienceID
		return nil
	})
}

// GetCurrentExperience returns the player's selected experience id, empty
// when none is selected.
func (m *Manager) GetCurrentExperience(ctx context.Context, playerID string) (string, error) {
	p, err := m.GetPlayerProfile(ctx, playerID)
	if err != nil {
		return "", err
	}
	return p.CurrentExperience, nil
}

// recordExperiencePlayed adds the experience to the profile's played set.
// No write happens when it is already a member.
func (m *Manager) recordExperiencePlayed(ctx context.Context, playerID, experienceID string) error {
	p, err := m.GetPlayerProfile(ctx, playerID)
	if err != nil {
		return err
	}
	for _, e := range p.GlobalStats.ExperiencesPlayed {
		if e == experienceID {
			return nil
		}
	}
	_, err = m.updateProfile(ctx, playerID, func(p *Profile) error {
		for _, e := range p.GlobalStats.ExperiencesPlayed {
			if e == experienceID {
				return nil
			}
		}
		p.GlobalStats.ExperiencesPlayed = append(p.GlobalStats.ExperiencesPlayed, experienceID)
		return nil
	})
	return err
}
