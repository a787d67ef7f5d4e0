package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pilgrim_sync/internal/wire"
)

// Confirmer sends queued work to the server.
type Confirmer interface {
	Confirm(ctx context.Context, req wire.CheckInRequest) (wire.CheckInResponse, error)
	UpdateReflection(ctx context.Context, canonicalID int64, text string) error
	Delete(ctx context.Context, canonicalID int64) error
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Permanent reports whether resending the same request can never succeed.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// IsPermanent reports whether err is a server rejection that must not be
// retried automatically.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// HTTPConfirmer talks to the check-in endpoints of the API server.
type HTTPConfirmer struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPConfirmer creates a confirmer for the server at baseURL using an
// opaque bearer token.
func NewHTTPConfirmer(baseURL, token string, client *http.Client) *HTTPConfirmer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPConfirmer{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// Confirm implements Confirmer.
func (c *HTTPConfirmer) Confirm(ctx context.Context, req wire.CheckInRequest) (wire.CheckInResponse, error) {
	var resp wire.CheckInResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/checkins", req, &resp)
	return resp, err
}

// UpdateReflection implements Confirmer.
func (c *HTTPConfirmer) UpdateReflection(ctx context.Context, canonicalID int64, text string) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/v1/checkins/%d", canonicalID), wire.ReflectionUpdate{Reflection: text}, nil)
}

// Delete implements Confirmer.
func (c *HTTPConfirmer) Delete(ctx context.Context, canonicalID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/checkins/%d", canonicalID), nil, nil)
}

func (c *HTTPConfirmer) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb wire.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&eb) == nil {
			se.Code = eb.Error.Code
			se.Message = eb.Error.Message
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
