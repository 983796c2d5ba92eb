package services

import (
	"context"
	"fmt"
	"strings"

	"roadside-backend/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Directory is the read-only view of the user/profile store.
type Directory interface {
	ListMechanics(ctx context.Context) ([]models.MechanicSnapshot, error)
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// Matcher selects mechanics whose specializations intersect an alert's
// requirements and who are currently active.
type Matcher struct {
	directory   Directory
	concurrency int
	log         zerolog.Logger
}

func NewMatcher(directory Directory, log zerolog.Logger) *Matcher {
	return &Matcher{directory: directory, concurrency: 8, log: log}
}

// Match returns eligible mechanic ids in listing order. Only a failed listing
// fails the call; a failed profile fetch excludes that mechanic.
func (m *Matcher) Match(ctx context.Context, required []string) ([]string, error) {
	mechanics, err := m.directory.ListMechanics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mechanics: %w", err)
	}

	want := make(map[string]struct{}, len(required))
	for _, r := range required {
		want[strings.ToLower(r)] = struct{}{}
	}

	mechanics = uniqueMechanics(mechanics)
	eligible := make([]bool, len(mechanics))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, snap := range mechanics {
		i, snap := i, snap
		if snap.Complete() {
			eligible[i] = isEligible(snap, want)
			continue
		}
		g.Go(func() error {
			full, err := m.resolve(ctx, snap)
			if err != nil {
				m.log.Warn().Err(err).Str("mechanic_id", snap.UserID).Msg("excluding mechanic from match")
				return nil
			}
			eligible[i] = isEligible(full, want)
			return nil
		})
	}
	_ = g.Wait()

	ids := []string{}
	for i, ok := range eligible {
		if ok {
			ids = append(ids, mechanics[i].UserID)
		}
	}
	return ids, nil
}

// resolve fills fields the listing omitted from the mechanic's profile.
func (m *Matcher) resolve(ctx context.Context, snap models.MechanicSnapshot) (models.MechanicSnapshot, error) {
	profile, err := m.directory.GetProfile(ctx, snap.UserID)
	if err != nil {
		return snap, err
	}
	mech, ok := profile.(*models.MechanicProfile)
	if !ok {
		return snap, fmt.Errorf("profile %s has role %s", snap.UserID, profile.Base().Role)
	}

	fetched := models.SnapshotOf(mech)
	if snap.Specializations == nil {
		snap.Specializations = fetched.Specializations
	}
	if snap.Status == "" {
		snap.Status = fetched.Status
	}
	return snap, nil
}

func isEligible(snap models.MechanicSnapshot, want map[string]struct{}) bool {
	if !strings.EqualFold(snap.Status, models.ProfileStatusActive) {
		return false
	}
	for _, s := range snap.Specializations {
		if _, ok := want[strings.ToLower(strings.TrimSpace(s))]; ok {
			return true
		}
	}
	return false
}

func uniqueMechanics(in []models.MechanicSnapshot) []models.MechanicSnapshot {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.MechanicSnapshot, 0, len(in))
	for _, m := range in {
		if m.UserID == "" {
			continue
		}
		if _, dup := seen[m.UserID]; dup {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, m)
	}
	return out
}
