// Package client is the HTTP transport between a device and the homeserver.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

const clientAPI = "/_matrix/client/v3"

// APIError is a non-2xx answer from the homeserver.
type APIError struct {
	Status  int
	ErrCode string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("homeserver returned %d %s: %s", e.Status, e.ErrCode, e.Message)
}

// Unwrap maps well-known statuses onto the shared sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return sentinal_errors.ErrInvalidInput
	case http.StatusUnauthorized:
		return sentinal_errors.ErrUnauthorized
	case http.StatusForbidden:
		return sentinal_errors.ErrForbidden
	case http.StatusNotFound:
		return sentinal_errors.ErrNotFound
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return sentinal_errors.ErrServiceUnavailable
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.RWMutex
	token    string
	userID   string
	deviceID string
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Login obtains an access token; deviceID may be empty to let the server pick one.
func (c *Client) Login(ctx context.Context, user, password, deviceID string) (httpdto.LoginResponse, error) {
	req := httpdto.LoginRequest{
		Type:       "m.login.password",
		Identifier: httpdto.UserIdentifier{Type: "m.id.user", User: user},
		Password:   password,
		DeviceID:   deviceID,
	}
	var resp httpdto.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", req, &resp); err != nil {
		return httpdto.LoginResponse{}, err
	}
	c.mu.Lock()
	c.token = resp.AccessToken
	c.userID = resp.UserID
	c.deviceID = resp.DeviceID
	c.mu.Unlock()
	return resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", struct{}{}, nil)
}

// Send executes one outgoing request and returns the raw response body.
func (c *Client) Send(ctx context.Context, req outbox.OutgoingRequest) (json.RawMessage, error) {
	method := http.MethodPost
	var path string
	var body any = req.Body

	switch req.Kind {
	case outbox.KindKeysUpload:
		path = "/keys/upload"
	case outbox.KindKeysQuery:
		path = "/keys/query"
	case outbox.KindKeysClaim:
		path = "/keys/claim"
	case outbox.KindSigningKeysUpload:
		path = "/keys/device_signing/upload"
	case outbox.KindSignatureUpload:
		path = "/keys/signatures/upload"
	case outbox.KindToDevice:
		var td httpdto.ToDeviceRequest
		if err := json.Unmarshal(req.Body, &td); err != nil {
			return nil, fmt.Errorf("%w: %v", sentinal_errors.ErrInvalidInput, err)
		}
		method = http.MethodPut
		path = "/sendToDevice/" + url.PathEscape(td.EventType) + "/" + url.PathEscape(td.TxnID)
		body = httpdto.ToDeviceBody{Messages: td.Messages}
	default:
		return nil, fmt.Errorf("%w: request kind %q", sentinal_errors.ErrInvalidInput, req.Kind)
	}

	var raw json.RawMessage
	if err := c.do(ctx, method, path, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Sync(ctx context.Context) (httpdto.SyncResponse, error) {
	var resp httpdto.SyncResponse
	err := c.do(ctx, http.MethodGet, "/sync", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		var payload []byte
		switch v := in.(type) {
		case json.RawMessage:
			payload = v
		default:
			encoded, err := json.Marshal(in)
			if err != nil {
				return err
			}
			payload = encoded
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+clientAPI+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body httpdto.MatrixError
		if json.Unmarshal(data, &body) == nil {
			apiErr.ErrCode = body.ErrCode
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Join(sentinal_errors.ErrInvalidInput, err)
	}
	return nil
}
