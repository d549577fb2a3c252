// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane is the REST client for the SDN controller. It owns
// the token pair exclusively: a single mutex serializes token reads and
// refreshes, and every call refreshes proactively inside the 60 s
// pre-expiry window.
package ctlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/policy"
)

const (
	requestTimeout = 10 * time.Second
	// refreshWindow is how close to expiry a token may get before any
	// authed call forces a refresh.
	refreshWindow = 60 * time.Second
)

type tokenPair struct {
	access    string
	refresh   string
	expiresAt time.Time
}

func (t tokenPair) valid(now time.Time) bool {
	return t.access != "" && t.expiresAt.After(now.Add(refreshWindow))
}

// Client talks to the controller REST API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *logging.Logger

	mu    sync.Mutex
	token tokenPair

	now func() time.Time
}

// NewClient builds a controller client. No network traffic happens
// until the first call.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logging.WithComponent("ctlplane"),
		now:          time.Now,
	}
}

// GetToken obtains a fresh token pair with the client credentials.
func (c *Client) GetToken(ctx context.Context) error {
	body := map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	}
	data, err := c.doJSON(ctx, http.MethodPost, "/auth/token", nil, body, "")
	if err != nil {
		return errors.Wrap(err, errors.KindAuthentication, "token grant failed")
	}
	return c.storeToken(data)
}

// refreshLocked renews the pair via the refresh token, falling back to
// a full grant. Caller holds c.mu.
func (c *Client) refreshLocked(ctx context.Context) error {
	refresh := c.token.refresh
	c.mu.Unlock()
	defer c.mu.Lock()

	if refresh != "" {
		data, err := c.doJSON(ctx, http.MethodGet, "/auth/refresh", nil, nil, refresh)
		if err == nil {
			return c.storeToken(data)
		}
		c.logger.Warn("token refresh failed, requesting new token", "error", err)
	}
	return c.GetToken(ctx)
}

func (c *Client) storeToken(data map[string]any) error {
	access, _ := data["access_token"].(string)
	if access == "" {
		return errors.New(errors.KindAuthentication, "controller returned no access token")
	}
	refresh, _ := data["refresh_token"].(string)
	expiresIn := 3600.0
	if v, ok := data["expires_in"].(float64); ok && v > 0 {
		expiresIn = v
	}

	c.mu.Lock()
	c.token = tokenPair{
		access:    access,
		refresh:   refresh,
		expiresAt: c.now().Add(time.Duration(expiresIn) * time.Second),
	}
	c.mu.Unlock()
	return nil
}

// ensureToken guarantees a token that stays valid for at least the
// refresh window.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.valid(c.now()) {
		return c.token.access, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.token.access, nil
}

// invalidateAndRefresh drops the current access token and obtains a new
// one. Used on a 401 mid-call.
func (c *Client) invalidateAndRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token.access = ""
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.token.access, nil
}

// request performs an authed JSON call. On a 401 the token is renewed
// once and the call retried exactly once.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) (map[string]any, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	data, err := c.doJSON(ctx, method, path, query, body, token)
	if err != nil && errors.GetKind(err) == errors.KindAuthentication {
		token, rerr := c.invalidateAndRefresh(ctx)
		if rerr != nil {
			return nil, rerr
		}
		return c.doJSON(ctx, method, path, query, body, token)
	}
	return data, err
}

// doJSON performs one HTTP round trip and unwraps the response
// envelope. Controllers answer either {code, message, metadata, data}
// or a flat object; both are accepted.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, bearer string) (map[string]any, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "controller unreachable (%s %s)", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "read controller response")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.Errorf(errors.KindAuthentication, "controller rejected credentials (%s %s)", method, path)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Errorf(errors.KindNotFound, "controller resource not found (%s %s)", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf(errors.KindUnavailable, "controller returned %d for %s %s: %s",
			resp.StatusCode, method, path, truncate(string(raw), 200))
	}

	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "decode controller response")
	}
	return extractData(payload), nil
}

// extractData unwraps the {code, message, metadata, data} envelope when
// present.
func extractData(payload map[string]any) map[string]any {
	if data, ok := payload["data"].(map[string]any); ok {
		return data
	}
	if _, hasData := payload["data"]; hasData {
		// data present but not an object; keep the envelope so callers
		// can still reach code/message.
		return payload
	}
	return payload
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- Topology and node/link operations ---

// GetTopology returns the controller's current node/link graph.
func (c *Client) GetTopology(ctx context.Context) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, "/topology", nil, nil)
}

func (c *Client) GetNodeStatus(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, "/nodes/"+id+"/status", nil, nil)
}

func (c *Client) StartNode(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, "/nodes/"+id+"/start", nil, nil)
}

func (c *Client) StopNode(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, "/nodes/"+id+"/stop", nil, nil)
}

func (c *Client) RestartNode(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, "/nodes/"+id+"/restart", nil, nil)
}

func (c *Client) GetLinkStatus(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, "/links/"+id+"/status", nil, nil)
}

func (c *Client) EnableLink(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, "/links/"+id+"/enable", nil, nil)
}

func (c *Client) DisableLink(ctx context.Context, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, "/links/"+id+"/disable", nil, nil)
}

// GetNodeStats returns per-node statistics.
func (c *Client) GetNodeStats(ctx context.Context) (any, error) {
	data, err := c.request(ctx, http.MethodGet, "/nodes/stats", nil, nil)
	if err != nil {
		return nil, err
	}
	if stats, ok := data["stats"]; ok {
		return stats, nil
	}
	return data, nil
}

// GetLinkStats returns per-link statistics.
func (c *Client) GetLinkStats(ctx context.Context) (any, error) {
	data, err := c.request(ctx, http.MethodGet, "/links/stats", nil, nil)
	if err != nil {
		return nil, err
	}
	if stats, ok := data["stats"]; ok {
		return stats, nil
	}
	return data, nil
}

// --- Policy operations ---

// ListPolicies returns policies, optionally filtered by type and
// status.
func (c *Client) ListPolicies(ctx context.Context, typeFilter, statusFilter string) ([]any, error) {
	q := url.Values{}
	if typeFilter != "" {
		q.Set("type", typeFilter)
	}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	data, err := c.request(ctx, http.MethodGet, "/policies", q, nil)
	if err != nil {
		return nil, err
	}
	policies, _ := data["policies"].([]any)
	return policies, nil
}

// GetPolicy returns one policy body.
func (c *Client) GetPolicy(ctx context.Context, id string) (map[string]any, error) {
	data, err := c.request(ctx, http.MethodGet, "/policies/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	if p, ok := data["policy"].(map[string]any); ok {
		return p, nil
	}
	return data, nil
}

// CreatePolicy submits a new policy and returns its server-assigned id.
func (c *Client) CreatePolicy(ctx context.Context, p policy.Policy) (string, error) {
	data, err := c.request(ctx, http.MethodPost, "/policies", nil, map[string]any{"policy": p})
	if err != nil {
		return "", err
	}
	if id, ok := data["policy_id"].(string); ok && id != "" {
		return id, nil
	}
	if body, ok := data["policy"].(map[string]any); ok {
		if id, ok := body["id"].(string); ok {
			return id, nil
		}
	}
	if id, ok := data["id"].(string); ok {
		return id, nil
	}
	return "", errors.New(errors.KindUnavailable, "controller did not return a policy id")
}

// UpdatePolicy replaces a policy body.
func (c *Client) UpdatePolicy(ctx context.Context, id string, p policy.Policy) (map[string]any, error) {
	return c.request(ctx, http.MethodPut, "/policies/"+id, nil, map[string]any{"policy": p})
}

// DeletePolicy removes a policy.
func (c *Client) DeletePolicy(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodDelete, "/policies/"+id, nil, nil)
	return err
}

// ApplyTargets scope a policy application.
type ApplyTargets struct {
	Nodes []string `json:"target_nodes"`
	Links []string `json:"target_links"`
	Flows []string `json:"target_flows"`
}

func (t ApplyTargets) body() map[string]any {
	nodes, links, flows := t.Nodes, t.Links, t.Flows
	if nodes == nil {
		nodes = []string{}
	}
	if links == nil {
		links = []string{}
	}
	if flows == nil {
		flows = []string{}
	}
	return map[string]any{
		"target_nodes": nodes,
		"target_links": links,
		"target_flows": flows,
	}
}

// ApplyPolicy activates a policy against the given targets.
func (c *Client) ApplyPolicy(ctx context.Context, id string, targets ApplyTargets) error {
	_, err := c.request(ctx, http.MethodPost, "/policies/"+id+"/apply", nil, targets.body())
	return err
}

// RevokePolicy deactivates a policy on the given targets.
func (c *Client) RevokePolicy(ctx context.Context, id string, targets ApplyTargets) error {
	_, err := c.request(ctx, http.MethodPost, "/policies/"+id+"/revoke", nil, targets.body())
	return err
}

// --- Alerts and honeypot ---

// GetAlerts returns recent controller alerts.
func (c *Client) GetAlerts(ctx context.Context) ([]any, error) {
	data, err := c.request(ctx, http.MethodGet, "/alerts", nil, nil)
	if err != nil {
		return nil, err
	}
	alerts, _ := data["alerts"].([]any)
	return alerts, nil
}

// GetHoneypotLogs returns honeypot interaction records.
func (c *Client) GetHoneypotLogs(ctx context.Context) ([]any, error) {
	data, err := c.request(ctx, http.MethodGet, "/honeypot/logs", nil, nil)
	if err != nil {
		return nil, err
	}
	logs, _ := data["logs"].([]any)
	return logs, nil
}

// --- Token management ---

// VerifyToken asks the controller whether the current access token is
// still valid.
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	data, err := c.request(ctx, http.MethodPost, "/auth/verify", nil, nil)
	if err != nil {
		return false, err
	}
	valid, _ := data["valid"].(bool)
	return valid, nil
}

// RevokeToken invalidates the current pair on the controller and
// forgets it locally.
func (c *Client) RevokeToken(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, "/auth/revoke", nil, nil)
	c.mu.Lock()
	c.token = tokenPair{}
	c.mu.Unlock()
	return err
}

// FindHoneypot scans the topology for the first honeypot-typed node
// with a usable address.
func (c *Client) FindHoneypot(ctx context.Context) (ip string, nodeID string, err error) {
	topo, err := c.GetTopology(ctx)
	if err != nil {
		return "", "", err
	}
	nodes, _ := topo["nodes"].([]any)
	for _, n := range nodes {
		node, _ := n.(map[string]any)
		if node == nil {
			continue
		}
		if t, _ := node["type"].(string); t != "honeypot" {
			continue
		}
		addr, _ := node["ip"].(string)
		if addr == "" {
			addr, _ = node["ip_address"].(string)
		}
		if addr == "" {
			continue
		}
		id := fmt.Sprintf("%v", node["id"])
		return addr, id, nil
	}
	return "", "", errors.New(errors.KindNotFound, "no honeypot node in topology")
}
