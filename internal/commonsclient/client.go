// Package commonsclient is the agent-side client for the commons
// service. Every mutating request is signed with the instance keypair
// using the same canonical payload builders the server verifies.
package commonsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/commons"
	"github.com/agora-collective/agora/internal/identity"
	"github.com/agora-collective/agora/internal/signing"
)

// Profile is the public-facing description an instance registers with.
type Profile struct {
	Nickname      string
	Description   string
	RepoURL       string
	SkillsWriteup string
}

// Client talks to one commons deployment on behalf of one instance.
type Client struct {
	baseURL string
	http    *http.Client
	session *identity.Session
	logger  *zap.Logger
	now     func() time.Time

	// registerBackoff paces EnsureRegistered retries.
	registerBackoff time.Duration
	registerTries   int
}

// New builds a client for the commons at baseURL. The session supplies
// the signing key; it must stay unlocked while the client is in use.
func New(baseURL string, session *identity.Session, logger *zap.Logger) *Client {
	return &Client{
		baseURL:         baseURL,
		http:            &http.Client{Timeout: 30 * time.Second},
		session:         session,
		logger:          logger,
		now:             time.Now,
		registerBackoff: 2 * time.Second,
		registerTries:   5,
	}
}

// APIError is a non-2xx response from the commons.
type APIError struct {
	Status  int
	Message string
	Code    string
	ResetAt string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commons returned %d: %s", e.Status, e.Message)
}

// RateLimited reports whether the request was rejected by a rate limit
// rather than a validation or authentication failure.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Register performs one signed registration attempt.
func (c *Client) Register(ctx context.Context, profile Profile) (*commons.RegisterResponse, error) {
	pub, err := c.session.PublicKey()
	if err != nil {
		return nil, err
	}
	encoded := signing.EncodePublicKey(pub)
	ts := signing.Timestamp(c.now())

	sig, err := c.sign(commons.RegisterCanonical(encoded, profile.Nickname, profile.Description, profile.RepoURL, ts))
	if err != nil {
		return nil, err
	}
	req := commons.RegisterRequest{
		PublicKey:     encoded,
		Nickname:      profile.Nickname,
		Description:   profile.Description,
		RepoURL:       profile.RepoURL,
		SkillsWriteup: profile.SkillsWriteup,
		Timestamp:     ts,
		Signature:     sig,
	}

	var out commons.RegisterResponse
	if err := c.postJSON(ctx, "/api/v1/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnsureRegistered registers the instance, retrying with backoff when
// the commons is rate limiting or briefly unavailable. Registration is
// idempotent (the id is a function of the public key), so a concurrent
// registration by another process of the same installation is resolved
// by polling for the record instead of failing.
func (c *Client) EnsureRegistered(ctx context.Context, profile Profile) (*commons.Instance, error) {
	id, err := c.session.InstanceID()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.registerTries; attempt++ {
		if attempt > 0 {
			backoff := c.registerBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.Register(ctx, profile)
		if err == nil {
			return resp.Instance, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RateLimited() {
			// Someone may have registered this key already (another
			// process, or a prior run that died before recording the
			// result). The record, if present, is ours.
			if inst, lookupErr := c.Instance(ctx, id); lookupErr == nil {
				return inst, nil
			}
			c.logger.Warn("registration rate limited, will retry",
				zap.String("reset_at", apiErr.ResetAt),
				zap.Int("attempt", attempt+1))
			continue
		}
		if apiErr != nil && apiErr.Status >= 400 && apiErr.Status < 500 {
			// Validation and authentication failures will not fix
			// themselves.
			return nil, err
		}
		c.logger.Warn("registration attempt failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("registration did not succeed after %d attempts: %w", c.registerTries, lastErr)
}

// Heartbeat sends one signed liveness ping.
func (c *Client) Heartbeat(ctx context.Context) error {
	id, err := c.session.InstanceID()
	if err != nil {
		return err
	}
	ts := signing.Timestamp(c.now())
	sig, err := c.sign(commons.HeartbeatCanonical(id, ts))
	if err != nil {
		return err
	}
	req := commons.HeartbeatRequest{InstanceID: id, Timestamp: ts, Signature: sig}
	return c.postJSON(ctx, "/api/v1/heartbeat", req, nil)
}

// RunHeartbeats sends heartbeats on the interval until ctx is
// cancelled. Individual failures are logged and retried on the next
// tick rather than aborting the loop.
func (c *Client) RunHeartbeats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Peers fetches online instances behind the same network fingerprint.
// The query is signed, so it also counts as a heartbeat server-side.
func (c *Client) Peers(ctx context.Context) ([]*commons.Instance, error) {
	id, err := c.session.InstanceID()
	if err != nil {
		return nil, err
	}
	pub, err := c.session.PublicKey()
	if err != nil {
		return nil, err
	}
	encoded := signing.EncodePublicKey(pub)
	ts := signing.Timestamp(c.now())
	sig, err := c.sign(commons.PeersCanonical(id, encoded, ts))
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("instance_id", id)
	q.Set("public_key", encoded)
	q.Set("timestamp", ts)
	q.Set("signature", sig)

	var out commons.PeersResponse
	if err := c.getJSON(ctx, "/api/v1/peers?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// Instance fetches a public profile. No signature needed, profiles are
// public.
func (c *Client) Instance(ctx context.Context, id string) (*commons.Instance, error) {
	var out commons.Instance
	if err := c.getJSON(ctx, "/api/v1/instances/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile replaces the instance's public profile.
func (c *Client) UpdateProfile(ctx context.Context, profile Profile) (*commons.Instance, error) {
	id, err := c.session.InstanceID()
	if err != nil {
		return nil, err
	}
	pub, err := c.session.PublicKey()
	if err != nil {
		return nil, err
	}
	if len(profile.SkillsWriteup) > commons.MaxSkillsWriteup {
		profile.SkillsWriteup = profile.SkillsWriteup[:commons.MaxSkillsWriteup]
	}
	ts := signing.Timestamp(c.now())
	sig, err := c.sign(commons.ProfileCanonical(id, profile.Nickname, profile.Description, profile.SkillsWriteup, ts))
	if err != nil {
		return nil, err
	}
	req := commons.ProfileUpdateRequest{
		PublicKey:     signing.EncodePublicKey(pub),
		Nickname:      profile.Nickname,
		Description:   profile.Description,
		SkillsWriteup: profile.SkillsWriteup,
		Timestamp:     ts,
		Signature:     sig,
	}
	var out commons.Instance
	if err := c.postJSON(ctx, "/api/v1/instances/"+url.PathEscape(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Gallery fetches one page of the public instance listing.
func (c *Client) Gallery(ctx context.Context, limit, offset int) (*commons.GalleryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	path := "/api/v1/gallery"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out commons.GalleryResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) sign(canonical []byte) (string, error) {
	priv, err := c.session.PrivateKey()
	if err != nil {
		return "", err
	}
	return signing.Sign(priv, canonical)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("commons request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Error   string `json:"error"`
			Code    string `json:"code"`
			ResetAt string `json:"reset_at"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Code = body.Code
			apiErr.ResetAt = body.ResetAt
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
