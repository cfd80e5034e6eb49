// Package dispatch issues the translated upstream request and observes its
// outcome: transport failures and non-2xx statuses feed the health engine
// when the request rode an OAuth account, and bubble up as a ProviderError
// for the HTTP front end to map.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// maxProviderErrorBody caps how much of a failing upstream body we read and
// surface to the caller.
const maxProviderErrorBody = 500

// ProviderError wraps a non-2xx upstream response.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("dispatch: upstream returned status %d", e.Status)
}

// ErrTimeout is returned when the request's deadline (set by C10 from the
// provider's configured timeout_ms) elapses before a response is received.
var ErrTimeout = errors.New("dispatch: upstream request timed out")

// Dispatcher issues built requests over a shared http.Client.
type Dispatcher struct {
	http   *http.Client
	health *health.Engine
	store  store.Store
}

// New constructs a Dispatcher. client may be nil, in which case
// http.DefaultClient is used; eng may be nil, in which case no health
// feedback is recorded (useful for providers with no OAuth account). st may
// be nil, in which case health deltas stay in-memory only (the engine is
// still the live source of truth for selection; Store persistence just
// survives it across process restarts).
func New(client *http.Client, eng *health.Engine, st store.Store) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{http: client, health: eng, store: st}
}

// Do issues built's request. oauthAccountID is the empty string when the
// route did not use an OAuth account (static bearer/header/none auth); in
// that case no health feedback is recorded.
//
// On success the caller owns resp.Body and must close it (and eventually
// call built.Cancel once fully read or on early abort).
func (d *Dispatcher) Do(built *translate.Built, oauthAccountID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(built.Ctx, built.Method, built.URL, bytes.NewReader(built.Body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	for k, v := range built.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		d.recordFailure(oauthAccountID)
		if errors.Is(built.Ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		d.recordRateLimit(oauthAccountID)
		return nil, drainAsProviderError(resp)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		d.recordFailure(oauthAccountID)
		return nil, drainAsProviderError(resp)
	default:
		d.recordSuccess(oauthAccountID)
		return resp, nil
	}
}

func drainAsProviderError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderErrorBody))
	return &ProviderError{Status: resp.StatusCode, Body: string(body)}
}

func (d *Dispatcher) recordSuccess(accountID string) {
	if d.health == nil || accountID == "" {
		return
	}
	d.health.RecordSuccess(accountID)
	d.persistHealth(accountID)
}

func (d *Dispatcher) recordFailure(accountID string) {
	if d.health == nil || accountID == "" {
		return
	}
	d.health.RecordFailure(accountID)
	d.persistHealth(accountID)
}

func (d *Dispatcher) recordRateLimit(accountID string) {
	if d.health == nil || accountID == "" {
		return
	}
	d.health.RecordRateLimit(accountID)
	d.persistHealth(accountID)
}

// persistHealth writes the engine's current score for accountID back to the
// Store, fire-and-forget, so the next process start seeds from the live
// value instead of replaying Initial. Never blocks the caller.
func (d *Dispatcher) persistHealth(accountID string) {
	if d.store == nil {
		return
	}
	id, err := uuid.Parse(accountID)
	if err != nil {
		return
	}
	score := d.health.Score(accountID)
	go func() {
		_ = d.store.UpdateOAuthHealth(context.Background(), id, score)
	}()
}
