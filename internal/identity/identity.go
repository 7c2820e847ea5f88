// Package identity verifies that a candidate nickname belongs to an
// active member of the external organization. It owns a
// mutable access/refresh token pair behind a mutex, serializes
// concurrent refreshes with singleflight, and read-through caches
// lookup outcomes with a TTL split between successes and not-found.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/maypok86/otter"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/config"
	"github.com/shopmindai/pingpongbot/internal/retry"
)

// Status is the outcome of one verification attempt against the
// participant status enum of the external identity API.
type Status int

const (
	StatusUnknown Status = iota
	VerifiedActive
	VerifiedNonActive
	NotFound
	TemporaryFailure
)

func (s Status) String() string {
	switch s {
	case VerifiedActive:
		return "verified_active"
	case VerifiedNonActive:
		return "verified_non_active"
	case NotFound:
		return "not_found"
	case TemporaryFailure:
		return "temporary_failure"
	default:
		return "unknown"
	}
}

// activeParticipantStatus is the one value of the participant status
// enum {ACTIVE, TEMPORARY_BLOCKING, EXPELLED, BLOCKED, FROZEN,
// STUDY_COMPLETED} that counts as verified-active; the rest resolve to
// VerifiedNonActive.
const activeParticipantStatus = "ACTIVE"

// Result is the outcome of getParticipant, with the looked-up
// nickname echoed back unchanged.
type Result struct {
	Status   Status
	Nickname string
}

// credentials holds the password-grant identity used for token
// acquisition, read once from the environment at construction.
type credentials struct {
	username string
	password string
}

type tokenRecord struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// tokenSafetyMargin is subtracted from expiresAt so a token is
// considered stale slightly before the server actually rejects it.
const tokenSafetyMargin = 5 * time.Minute

type cachedOutcome struct {
	status     Status
	observedAt time.Time
}

// Verifier implements getParticipant.
type Verifier struct {
	cfg    config.IdentityConfig
	creds  credentials
	client *resty.Client
	log    *logrus.Logger

	tokenMu sync.Mutex
	token   tokenRecord
	sf      singleflight.Group

	// otter bounds a cache's entries to a single TTL at construction
	// time, so the long-success/short-not-found split is modeled
	// as two caches rather than one with a per-entry TTL.
	successes otter.Cache[string, cachedOutcome]
	misses    otter.Cache[string, cachedOutcome]

	retryCfg retry.Config
}

// tokenResponse is the shape of the token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// participantResponse is the shape of the participant lookup response.
type participantResponse struct {
	Login  string `json:"login"`
	Status string `json:"status"`
}

// New builds a Verifier. creds is read by the caller from the
// environment variable named by cfg.CredentialsEnv (username:password,
// colon-separated) before construction, keeping env access at the
// composition root rather than scattered through this package.
func New(cfg config.IdentityConfig, username, password string, log *logrus.Logger) (*Verifier, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity: baseUrl is required")
	}

	successes, err := otter.MustBuilder[string, cachedOutcome](10_000).
		Cost(func(_ string, _ cachedOutcome) uint32 { return 1 }).
		WithTTL(cfg.SuccessTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("identity: build success cache: %w", err)
	}
	misses, err := otter.MustBuilder[string, cachedOutcome](10_000).
		Cost(func(_ string, _ cachedOutcome) uint32 { return 1 }).
		WithTTL(cfg.FailureTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("identity: build not-found cache: %w", err)
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)

	retryCfg := retry.DefaultMatchEngineConfig()
	retryCfg.Classify = isNetworkOr5xx

	return &Verifier{
		cfg:       cfg,
		creds:     credentials{username: username, password: password},
		client:    client,
		log:       log,
		successes: successes,
		misses:    misses,
		retryCfg:  retryCfg,
	}, nil
}

// Close releases the result caches' resources.
func (v *Verifier) Close() {
	v.successes.Close()
	v.misses.Close()
}

// GetParticipant resolves nickname's status, preferring the result
// cache and otherwise consulting the identity API.
func (v *Verifier) GetParticipant(ctx context.Context, nickname string) (Result, error) {
	if cached, ok := v.successes.Get(nickname); ok {
		return Result{Status: cached.status, Nickname: nickname}, nil
	}
	if cached, ok := v.misses.Get(nickname); ok {
		return Result{Status: cached.status, Nickname: nickname}, nil
	}

	status, err := v.lookup(ctx, nickname)
	if status == TemporaryFailure {
		// Reported as a status and never cached; the caller renders the
		// try-again-later feedback.
		v.log.WithError(err).Warn("identity: temporary lookup failure")
		return Result{Status: TemporaryFailure, Nickname: nickname}, nil
	}
	if err != nil {
		return Result{}, err
	}

	v.cacheResult(nickname, status)
	return Result{Status: status, Nickname: nickname}, nil
}

func (v *Verifier) cacheResult(nickname string, status Status) {
	outcome := cachedOutcome{status: status, observedAt: time.Now()}
	switch status {
	case VerifiedActive, VerifiedNonActive:
		v.successes.Set(nickname, outcome)
	case NotFound:
		v.misses.Set(nickname, outcome)
	case TemporaryFailure:
		// never cached.
	}
}

// lookup performs the token-acquire/retry/401-refresh-once contract
// against the live identity API.
func (v *Verifier) lookup(ctx context.Context, nickname string) (Status, error) {
	const op = "identity.lookup"

	token, err := v.validToken(ctx)
	if err != nil {
		return TemporaryFailure, apperr.New(apperr.Transient, op, err)
	}

	var participant *participantResponse
	var notFound bool

	err = retry.Do(ctx, v.retryCfg, func(ctx context.Context) error {
		resp, status, retryErr := v.fetchParticipant(ctx, token, nickname)
		if retryErr != nil {
			return retryErr
		}

		switch {
		case status == 401:
			refreshed, refreshErr := v.refreshToken(ctx)
			if refreshErr != nil {
				return apperr.New(apperr.Permanent, op, refreshErr)
			}
			resp2, status2, err2 := v.fetchParticipant(ctx, refreshed, nickname)
			if err2 != nil {
				return err2
			}
			if status2 == 404 {
				notFound = true
				return nil
			}
			if status2 >= 500 {
				return apperr.New(apperr.Transient, op, fmt.Errorf("identity API status %d", status2))
			}
			if status2 != 200 {
				return apperr.New(apperr.Permanent, op, fmt.Errorf("identity API status %d", status2))
			}
			participant = resp2
			return nil
		case status == 404:
			notFound = true
			return nil
		case status >= 500:
			return apperr.New(apperr.Transient, op, fmt.Errorf("identity API status %d", status))
		case status != 200:
			return apperr.New(apperr.Permanent, op, fmt.Errorf("identity API status %d", status))
		default:
			participant = resp
			return nil
		}
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return TemporaryFailure, apperr.New(apperr.Transient, op, exhausted)
		}
		if apperr.KindOf(err) == apperr.Transient {
			return TemporaryFailure, err
		}
		return StatusUnknown, err
	}

	if notFound {
		return NotFound, nil
	}
	if participant.Status == activeParticipantStatus {
		return VerifiedActive, nil
	}
	return VerifiedNonActive, nil
}

// fetchParticipant issues one GET against the participant endpoint,
// returning the raw HTTP status so the caller can apply its own
// 401/404/5xx branching. A 429 is handled here: it waits out the
// Retry-After hint, if any, and returns a Transient error.
func (v *Verifier) fetchParticipant(ctx context.Context, token string, nickname string) (*participantResponse, int, error) {
	const op = "identity.fetchParticipant"

	var body participantResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		Get("/v1/participants/" + nickname)
	if err != nil {
		return nil, 0, apperr.New(apperr.Transient, op, err)
	}

	if resp.StatusCode() == 429 {
		if wait := retryAfter(resp.Header().Get("Retry-After")); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, 0, apperr.New(apperr.Transient, op, ctx.Err())
			case <-timer.C:
			}
		}
		return nil, 0, apperr.New(apperr.Transient, op, fmt.Errorf("identity API rate limited"))
	}

	return &body, resp.StatusCode(), nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 0
}

// validToken returns a usable access token, acquiring one if none is
// cached or the cached one is within the safety margin of expiring.
func (v *Verifier) validToken(ctx context.Context) (string, error) {
	v.tokenMu.Lock()
	tok := v.token
	v.tokenMu.Unlock()

	if tok.accessToken != "" && time.Now().Before(tok.expiresAt.Add(-tokenSafetyMargin)) {
		return tok.accessToken, nil
	}
	return v.refreshToken(ctx)
}

// refreshToken serializes concurrent refreshes through singleflight so
// only one password-grant or refresh-grant request is in flight per
// process at a time.
func (v *Verifier) refreshToken(ctx context.Context) (string, error) {
	result, err, _ := v.sf.Do("refresh", func() (interface{}, error) {
		return v.acquireToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (v *Verifier) acquireToken(ctx context.Context) (string, error) {
	const op = "identity.acquireToken"

	v.tokenMu.Lock()
	refreshToken := v.token.refreshToken
	v.tokenMu.Unlock()

	form := map[string]string{
		"client_id": v.cfg.ClientID,
	}
	if refreshToken != "" {
		form["grant_type"] = "refresh_token"
		form["refresh_token"] = refreshToken
	} else {
		form["grant_type"] = "password"
		form["username"] = v.creds.username
		form["password"] = v.creds.password
	}

	var body tokenResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&body).
		Post("/v1/token")
	if err != nil {
		return "", apperr.New(apperr.Transient, op, err)
	}
	if resp.IsError() {
		if refreshToken != "" {
			// Refresh token rejected: fall back to a fresh password grant.
			v.tokenMu.Lock()
			v.token = tokenRecord{}
			v.tokenMu.Unlock()
			return v.acquireToken(ctx)
		}
		return "", apperr.New(apperr.Permanent, op, fmt.Errorf("token endpoint status %d", resp.StatusCode()))
	}

	v.tokenMu.Lock()
	v.token = tokenRecord{
		accessToken:  body.AccessToken,
		refreshToken: body.RefreshToken,
		expiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	v.tokenMu.Unlock()

	return body.AccessToken, nil
}

// isNetworkOr5xx classifies errors the retry harness should retry
// while looking up a participant: network failures and 5xx already
// surface as apperr.Transient from fetchParticipant, so this just
// defers to the shared predicate.
func isNetworkOr5xx(err error) bool {
	return apperr.IsTransient(err)
}
