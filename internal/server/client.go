package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/specialistvlad/stepgate/internal/model"
)

// StatusError is a non-success answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Code, e.Message)
}

// Client calls a stepgate server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Decide approves or denies a gate.
func (c *Client) Decide(ctx context.Context, id model.InstanceID, gate string, approve bool, decider string) error {
	d := Decision{Decision: DecisionDeny, Decider: decider}
	if approve {
		d.Decision = DecisionApprove
	}
	path := fmt.Sprintf("/instances/%s/gates/%s", url.PathEscape(string(id)), url.PathEscape(gate))
	return c.do(ctx, http.MethodPost, path, d, nil)
}

// Abort asks the server to abort a running instance.
func (c *Client) Abort(ctx context.Context, id model.InstanceID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/abort", url.PathEscape(string(id))), nil, nil)
}

// Instance fetches the full record of an instance.
func (c *Client) Instance(ctx context.Context, id model.InstanceID) (*model.Instance, error) {
	var inst model.Instance
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(string(id)), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: eb.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
