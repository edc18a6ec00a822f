package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// HTTPClient makes REST calls to the BCI server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8765").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// HealthMsg delivers a /api/health poll.
type HealthMsg struct {
	Health *Health
	Err    error
}

// GetHealth fetches /api/health.
func (c *HTTPClient) GetHealth() (*Health, error) {
	var h Health
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetCapabilities fetches /api/capabilities.
func (c *HTTPClient) GetCapabilities() (*Capabilities, error) {
	var caps Capabilities
	if err := c.get("/api/capabilities", &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// PollHealth returns a command that fetches health once.
func (c *HTTPClient) PollHealth() tea.Cmd {
	return func() tea.Msg {
		h, err := c.GetHealth()
		return HealthMsg{Health: h, Err: err}
	}
}

func (c *HTTPClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
