package main

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
)

// Blind is a cover as the daemon reports it.
type Blind struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Model    string `json:"model,omitempty"`
	Position int    `json:"position"`
	Target   int    `json:"target"`
	Motion   int    `json:"motion"`
	State    string `json:"state"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Client talks to the blinds-home REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) List(ctx context.Context) ([]Blind, error) {
	var out []Blind
	err := c.do(ctx, http.MethodGet, "/api/blinds", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (*Blind, error) {
	var out Blind
	if err := c.do(ctx, http.MethodGet, blindPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetPosition(ctx context.Context, id string, percent int) (*Blind, error) {
	var out Blind
	body := map[string]int{"position": percent}
	if err := c.do(ctx, http.MethodPut, blindPath(id)+"/position", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rename(ctx context.Context, id, name string) (*Blind, error) {
	var out Blind
	body := map[string]string{"friendly_name": name}
	if err := c.do(ctx, http.MethodPatch, blindPath(id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Forget(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, blindPath(id), nil, nil)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return "", err
	}
	return out["version"], nil
}

func blindPath(id string) string {
	return "/api/blinds/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": ...} or falls back to the raw body.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
