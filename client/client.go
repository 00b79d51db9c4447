/*
Package client provides the two programmatic faces of the gateway: an
HTTP client for the operator/editing surface and a websocket Node for
edge controllers.
*/
package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/LatticeWorks/tether/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("target controller unavailable")
	ErrRateLimited  = errors.New("rate limited")
)

type Config struct {
	// Address is the gateway host:port.
	Address    string
	AdminToken string
	UseTLS     bool
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the operator-side API client for the gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	adminToken string
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("adminToken cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("tether_client")

	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	baseURL, err := url.Parse(fmt.Sprintf("%s://%s", scheme, cfg.Address))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL for '%s': %w", cfg.Address, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		adminToken: cfg.AdminToken,
		logger:     logger,
	}, nil
}

func (c *Client) doRequest(method, path string, queryParams map[string]string, body any, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminToken)

	c.logger.Debug("sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, method, path)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, method, path string) error {
	serverMsg := ""
	var errorResp struct {
		Error string `json:"error"`
	}
	if raw, err := io.ReadAll(resp.Body); err == nil {
		if json.Unmarshal(raw, &errorResp) == nil {
			serverMsg = errorResp.Error
		}
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		if serverMsg != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, serverMsg)
		}
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusServiceUnavailable:
		if serverMsg != "" {
			return fmt.Errorf("%w: %s", ErrUnavailable, serverMsg)
		}
		return ErrUnavailable
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if serverMsg != "" {
		return fmt.Errorf("server error (status %d) for %s %s: %s", resp.StatusCode, method, path, serverMsg)
	}
	return fmt.Errorf("server returned status %d for %s %s", resp.StatusCode, method, path)
}

// --- Draft File Operations ---

func (c *Client) SetFile(owner, path string, content json.RawMessage, author string) error {
	payload := map[string]any{"owner": owner, "path": path, "content": content, "author": author}
	return c.doRequest(http.MethodPost, "gateway/api/v1/files/set", nil, payload, nil)
}

func (c *Client) GetFile(owner, path string, state models.FileState) (json.RawMessage, error) {
	params := map[string]string{"owner": owner, "path": path, "state": string(state)}
	var response struct {
		Content json.RawMessage `json:"content"`
	}
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/files/get", params, nil, &response); err != nil {
		return nil, err
	}
	return response.Content, nil
}

func (c *Client) ListFiles(owner string, state models.FileState) (models.FileSet, error) {
	params := map[string]string{"owner": owner, "state": string(state)}
	var files models.FileSet
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/files/list", params, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Client) DeleteFile(owner, path string) (bool, error) {
	payload := map[string]string{"owner": owner, "path": path}
	var response struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/files/delete", nil, payload, &response); err != nil {
		return false, err
	}
	return response.Deleted, nil
}

// --- Lifecycle Operations ---

func (c *Client) Deploy(owner, message, author string) (models.VersionSnapshot, error) {
	payload := map[string]string{"owner": owner, "message": message, "author": author}
	var snap models.VersionSnapshot
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/deploy", nil, payload, &snap); err != nil {
		return models.VersionSnapshot{}, err
	}
	return snap, nil
}

func (c *Client) Discard(owner string) (int, error) {
	payload := map[string]string{"owner": owner}
	var response struct {
		RestoredFiles int `json:"restored_files"`
	}
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/discard", nil, payload, &response); err != nil {
		return 0, err
	}
	return response.RestoredFiles, nil
}

func (c *Client) Rollback(owner string, version int) error {
	payload := map[string]any{"owner": owner, "version": version}
	return c.doRequest(http.MethodPost, "gateway/api/v1/rollback", nil, payload, nil)
}

func (c *Client) Sync(owner string) (models.TransferAttempt, error) {
	payload := map[string]string{"owner": owner}
	var attempt models.TransferAttempt
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/sync", nil, payload, &attempt); err != nil {
		return models.TransferAttempt{}, err
	}
	return attempt, nil
}

func (c *Client) Status(owner string) (models.SyncStatus, error) {
	params := map[string]string{"owner": owner}
	var status models.SyncStatus
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/status", params, nil, &status); err != nil {
		return models.SyncStatus{}, err
	}
	return status, nil
}

func (c *Client) History(owner string, limit int) ([]models.VersionSnapshot, error) {
	params := map[string]string{"owner": owner}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var history []models.VersionSnapshot
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/history", params, nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *Client) Transfers(owner string, limit int) ([]models.TransferAttempt, error) {
	params := map[string]string{"owner": owner}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var attempts []models.TransferAttempt
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/transfers", params, nil, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (c *Client) Transfer(id string) (models.TransferAttempt, error) {
	params := map[string]string{"id": id}
	var attempt models.TransferAttempt
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/transfers", params, nil, &attempt); err != nil {
		return models.TransferAttempt{}, err
	}
	return attempt, nil
}

// --- Commands ---

func (c *Client) ExecuteScene(owner, sceneID string) error {
	payload := map[string]string{"owner": owner, "scene_id": sceneID}
	return c.doRequest(http.MethodPost, "gateway/api/v1/scene/execute", nil, payload, nil)
}

func (c *Client) NotifyConfigUpdate(owner, configType string, payload json.RawMessage) (bool, error) {
	body := map[string]any{"owner": owner, "config_type": configType, "payload": payload}
	var response struct {
		Delivered bool `json:"delivered"`
	}
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/config/notify", nil, body, &response); err != nil {
		return false, err
	}
	return response.Delivered, nil
}

// --- Driver Authoring ---

func (c *Client) GenerateDriver(owner, driverID, prompt string, commands map[string]string) error {
	payload := map[string]any{"owner": owner, "driver_id": driverID, "prompt": prompt, "commands": commands}
	return c.doRequest(http.MethodPost, "gateway/api/v1/driver/generate", nil, payload, nil)
}

func (c *Client) SyncDriver(owner, driverID string) (models.TransferAttempt, error) {
	payload := map[string]string{"owner": owner, "driver_id": driverID}
	var attempt models.TransferAttempt
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/driver/sync", nil, payload, &attempt); err != nil {
		return models.TransferAttempt{}, err
	}
	return attempt, nil
}

// --- Owner Administration ---

// OwnerListing is an owner record as returned by the list endpoint:
// the connection token is stripped and a live-connection flag is added.
type OwnerListing struct {
	models.Owner
	Connected bool `json:"connected"`
}

func (c *Client) CreateOwner(name string) (models.Owner, error) {
	payload := map[string]string{"name": name}
	var owner models.Owner
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/admin/owners/create", nil, payload, &owner); err != nil {
		return models.Owner{}, err
	}
	return owner, nil
}

func (c *Client) ListOwners() ([]OwnerListing, error) {
	var listing []OwnerListing
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/admin/owners/list", nil, nil, &listing); err != nil {
		return nil, err
	}
	return listing, nil
}

func (c *Client) ResetOwnerToken(id string) (models.Owner, error) {
	payload := map[string]string{"id": id}
	var owner models.Owner
	if err := c.doRequest(http.MethodPost, "gateway/api/v1/admin/owners/reset-token", nil, payload, &owner); err != nil {
		return models.Owner{}, err
	}
	return owner, nil
}

func (c *Client) Ping() (map[string]string, error) {
	var response map[string]string
	if err := c.doRequest(http.MethodGet, "gateway/api/v1/ping", nil, nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}
