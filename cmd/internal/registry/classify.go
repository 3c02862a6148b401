package registry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Path is the classification outcome of one authenticated claim.
type Path uint8

const (
	PathNew Path = iota + 1
	PathRefreshed
	PathReplacement
)

func (p Path) String() string {
	switch p {
	case PathNew:
		return "new"
	case PathRefreshed:
		return "refreshed"
	case PathReplacement:
		return "replacement"
	default:
		return "unknown"
	}
}

// Claim is what a correlated auth event asserts about a connection.
type Claim struct {
	ConnectionID  string
	IdentityID    string
	AuxIdentifier string
	InstanceID    string

	// Refresh is true for a "refreshed" correlation, false for "verified".
	Refresh bool
}

// Classify runs exactly one of the New, Refreshed or Replacement paths for
// claim, each as a single atomic registry write.
//
// Callers must hold the identity's mutex; Classify itself takes no lock.
func (r *Registry) Classify(ctx context.Context, claim Claim, now time.Time) (Path, Record, error) {
	if strings.TrimSpace(claim.ConnectionID) == "" || strings.TrimSpace(claim.IdentityID) == "" {
		return 0, Record{}, ErrInvalidRecord
	}

	fresh := Record{
		ConnectionID:    claim.ConnectionID,
		IdentityID:      claim.IdentityID,
		AuxIdentifier:   strings.TrimSpace(claim.AuxIdentifier),
		InstanceID:      claim.InstanceID,
		ConnectedAt:     now,
		LastRefreshedAt: now,
	}

	prev, err := r.Get(ctx, claim.ConnectionID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec, err := r.Create(ctx, fresh)
		if err != nil {
			return 0, Record{}, err
		}
		return PathNew, rec, nil
	case errors.Is(err, ErrInvalidRecord):
		// A corrupt record is replaced rather than refreshed.
		prev = Record{ConnectionID: claim.ConnectionID}
	case err != nil:
		return 0, Record{}, err
	}

	if claim.Refresh && prev.IdentityID == claim.IdentityID {
		rec, err := r.Refresh(ctx, prev, now)
		if err != nil {
			return 0, Record{}, err
		}
		return PathRefreshed, rec, nil
	}

	rec, err := r.Replace(ctx, prev, fresh)
	if err != nil {
		return 0, Record{}, err
	}
	return PathReplacement, rec, nil
}
