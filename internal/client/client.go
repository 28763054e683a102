// Package client is the REST client for the ALSIN back-end.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/alsin/internal/domain"
)

// TokenSource supplies the bearer credential for authenticated calls.
type TokenSource interface {
	Credential() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// Credential implements TokenSource.
func (f TokenFunc) Credential() string { return f() }

// APIError is a non-2xx response. Detail is the server's human-readable
// message when it sent one.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api error: %d: %s", e.Status, e.Detail)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client calls the ALSIN REST API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// New creates a client for baseURL. tokens may be nil for anonymous calls.
func New(baseURL string, httpClient *http.Client, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

// WebSocketURL returns the live channel endpoint scoped by token.
func (c *Client) WebSocketURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL + "/chat/ws")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	form := url.Values{"username": {email}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/login/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("login response carried no access token")
	}
	return out.AccessToken, nil
}

// RegisterInput is the payload of Register.
type RegisterInput struct {
	Email    string      `json:"email"`
	FullName string      `json:"full_name"`
	Password string      `json:"password"`
	Role     domain.Role `json:"role"`
}

// Register creates an account that awaits approval.
func (c *Client) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodPost, "/users/register", in, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Me returns the profile of the authenticated user.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Directory lists chat partners for the authenticated user.
func (c *Client) Directory(ctx context.Context) ([]domain.Partner, error) {
	var partners []domain.Partner
	if err := c.do(ctx, http.MethodGet, "/users/directory", nil, &partners); err != nil {
		return nil, err
	}
	return partners, nil
}

// Users lists all accounts. Admin only.
func (c *Client) Users(ctx context.Context, skip, limit int) ([]domain.User, error) {
	path := "/users/?skip=" + strconv.Itoa(skip) + "&limit=" + strconv.Itoa(limit)
	var users []domain.User
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Approve approves a pending account. Admin only.
func (c *Client) Approve(ctx context.Context, userID int64) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodPost, "/users/"+strconv.FormatInt(userID, 10)+"/approve", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// History returns the full message log with partnerID, oldest first.
func (c *Client) History(ctx context.Context, partnerID int64) ([]domain.Message, error) {
	var messages []domain.Message
	if err := c.do(ctx, http.MethodGet, "/chat/history/"+strconv.FormatInt(partnerID, 10), nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Credential(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError extracts a best-effort detail string. FastAPI-style validation
// errors carry a list under "detail"; only plain strings are surfaced.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(data, &body) != nil {
		return apiErr
	}
	var detail string
	if json.Unmarshal(body.Detail, &detail) == nil {
		apiErr.Detail = detail
	} else if body.Error != "" {
		apiErr.Detail = body.Error
	}
	return apiErr
}
