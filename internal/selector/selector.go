// Package selector picks an OAuth account to serve a request on a given
// provider, combining live health score with recency of use.
package selector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const (
	healthWeight  = 0.6
	recencyWeight = 0.4
	recencyCapMin = 100 // recency term caps at 100 minutes since last use
)

// Selector chooses the best OAuth account for a provider.
type Selector struct {
	store  store.Store
	health *health.Engine
	now    func() time.Time
}

// New builds a Selector over s using eng for live health scoring.
func New(s store.Store, eng *health.Engine) *Selector {
	return &Selector{store: s, health: eng, now: time.Now}
}

// Select fetches active accounts for providerID ordered by ascending
// last_used_at, recomputes scores (applying passive decay via the health
// engine), partitions into usable/unhealthy, and returns the argmax of the
// composite score among usable accounts — or, if none are usable, the
// single highest-scoring account with degraded=true (the caller should log
// a warning but may still dispatch). A zero-UUID return with found=false
// means there were no active accounts at all — the caller should advance
// to the next priority-chain entry.
func (s *Selector) Select(ctx context.Context, providerID uuid.UUID) (accountID uuid.UUID, found, degraded bool, err error) {
	accounts, err := s.store.ActiveOAuthAccounts(ctx, providerID)
	if err != nil {
		return uuid.Nil, false, false, err
	}
	if len(accounts) == 0 {
		return uuid.Nil, false, false, nil
	}

	type candidate struct {
		id        uuid.UUID
		score     int
		lastUsed  time.Time
		composite float64
	}

	now := s.now()
	usable := make([]candidate, 0, len(accounts))
	unhealthy := make([]candidate, 0)

	for _, a := range accounts {
		key := a.ID.String()
		// Seed only the first time this account is observed in this
		// process's lifetime — the engine's Record* calls from dispatch
		// outcomes are the live source of truth afterward. Reseeding on
		// every selection would overwrite those deltas with the stale
		// persisted score on each request.
		if !s.health.Tracked(key) {
			s.health.Seed(key, a.HealthScore, a.LastUsedAt)
		}
		score := s.health.Score(key)
		lastUsed := s.health.LastUsed(key)

		recency := now.Sub(lastUsed).Minutes()
		if recency > recencyCapMin {
			recency = recencyCapMin
		}
		if recency < 0 {
			recency = 0
		}
		composite := healthWeight*float64(score) + recencyWeight*recency

		c := candidate{id: a.ID, score: score, lastUsed: lastUsed, composite: composite}
		if score >= health.MinUsable {
			usable = append(usable, c)
		} else {
			unhealthy = append(unhealthy, c)
		}
	}

	pool := usable
	isDegraded := false
	if len(pool) == 0 {
		pool = unhealthy
		isDegraded = true
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if isDegraded {
			if c.score > best.score {
				best = c
			}
			continue
		}
		if c.composite > best.composite {
			best = c
		}
	}

	s.health.Touch(best.id.String(), now)
	go func(id uuid.UUID, at time.Time) {
		_ = s.store.TouchOAuthAccount(context.Background(), id, at)
	}(best.id, now)

	return best.id, true, isDegraded, nil
}
