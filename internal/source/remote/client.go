// Package remote implements the event source interface against a beacon
// server: snapshot queries and writes over REST, live subscriptions over
// the realtime websocket endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/source"
)

// Client talks to a beacon server. It implements source.Source.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

var _ source.Source = (*Client)(nil)

// New builds a client for the server at baseURL, authenticating every
// call with the given bearer token.
func New(baseURL, token string, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		log:     logger.With().Str("component", "remote").Logger(),
	}
}

// Login authenticates against the server and returns a token for New.
func Login(ctx context.Context, baseURL, username, password string) (string, error) {
	return authRequest(ctx, baseURL, "/api/login", username, password)
}

// Register creates an account on the server and returns a token.
func Register(ctx context.Context, baseURL, username, password string) (string, error) {
	return authRequest(ctx, baseURL, "/api/register", username, password)
}

func authRequest(ctx context.Context, baseURL, path, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apiError(resp)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	return out.Token, nil
}

// Query returns a point-in-time snapshot of rows matching the filters.
func (c *Client) Query(ctx context.Context, table string, filters []source.Filter, order source.Order) ([]source.Row, error) {
	params := url.Values{}
	if expr := source.Expr(filters); expr != "" {
		params.Set("filter", expr)
	}
	if order.Field != "" {
		params.Set("order", order.Field)
	}
	if order.Descending {
		params.Set("dir", "desc")
	}

	endpoint := c.baseURL + "/api/tables/" + url.PathEscape(table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var rows []source.Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// Insert writes a row and returns it with server-assigned fields.
func (c *Client) Insert(ctx context.Context, table string, row source.Row) (source.Row, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/tables/"+url.PathEscape(table), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}
	var stored source.Row
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("decode stored row: %w", err)
	}
	return stored, nil
}

// Update patches the row with the given id.
func (c *Client) Update(ctx context.Context, table, id string, patch source.Row) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/api/tables/"+url.PathEscape(table)+"/"+url.PathEscape(id),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// wsURL derives the realtime endpoint from the REST base URL.
func (c *Client) wsURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime?token=" + url.QueryEscape(c.token)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
