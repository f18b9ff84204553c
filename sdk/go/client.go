package bountylinesdk

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

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	AgentID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Challenge mirrors the API challenge model.
type Challenge struct {
	ID              int64  `json:"id"`
	Creator         string `json:"creator"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Category        string `json:"category,omitempty"`
	Reward          int64  `json:"reward"`
	Deadline        string `json:"deadline"`
	Status          string `json:"status"`
	Winner          string `json:"winner,omitempty"`
	WinningSolution string `json:"winning_solution,omitempty"`
	CreatedAt       string `json:"created_at"`
	SolutionCount   int64  `json:"solution_count"`
}

// Solution mirrors the API solution model.
type Solution struct {
	ChallengeID int64  `json:"challenge_id"`
	ID          int64  `json:"id"`
	Solver      string `json:"solver"`
	Text        string `json:"text"`
	SubmittedAt string `json:"submitted_at"`
	IsWinner    bool   `json:"is_winner"`
}

// AgentStats mirrors the API stats model.
type AgentStats struct {
	Agent              string `json:"agent"`
	Reputation         int64  `json:"reputation"`
	ChallengesCreated  int64  `json:"challenges_created"`
	ChallengesWon      int64  `json:"challenges_won"`
	SolutionsSubmitted int64  `json:"solutions_submitted"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	ChallengeID *int64 `json:"challenge_id,omitempty"`
	AgentID     string `json:"agent_id"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedChallenges wraps list responses with cursors.
type PaginatedChallenges struct {
	Items      []Challenge `json:"items"`
	NextCursor *int64      `json:"next_cursor,omitempty"`
}

// CreateChallengeOptions are the parameters for CreateChallenge.
type CreateChallengeOptions struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Category        string `json:"category,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
	Reward          int64  `json:"reward"`
	Attached        int64  `json:"attached"`
}

// CreateChallenge posts a challenge with an escrowed reward.
func (c *Client) CreateChallenge(ctx context.Context, opts CreateChallengeOptions) (Challenge, error) {
	var resp Challenge
	err := c.do(ctx, http.MethodPost, "v0/challenges", opts, &resp)
	return resp, err
}

// GetChallenge fetches a challenge by id.
func (c *Client) GetChallenge(ctx context.Context, id int64) (Challenge, error) {
	var resp Challenge
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/challenges/%d", id), nil, &resp)
	return resp, err
}

// ListChallenges returns a page of challenges, newest first.
func (c *Client) ListChallenges(ctx context.Context, status string, limit int, cursor *int64) (PaginatedChallenges, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != nil {
		q.Set("cursor", fmt.Sprintf("%d", *cursor))
	}
	endpoint := "v0/challenges"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedChallenges
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenChallenges returns ids of challenges that are open and before deadline.
func (c *Client) OpenChallenges(ctx context.Context) ([]int64, error) {
	var resp struct {
		IDs []int64 `json:"ids"`
	}
	err := c.do(ctx, http.MethodGet, "v0/challenges/open", nil, &resp)
	return resp.IDs, err
}

// ChallengeCount returns the total challenges ever created.
func (c *Client) ChallengeCount(ctx context.Context) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "v0/challenges/count", nil, &resp)
	return resp.Count, err
}

// SubmitSolution submits a solution to an open challenge.
func (c *Client) SubmitSolution(ctx context.Context, challengeID int64, text string) (Solution, error) {
	body := map[string]any{"text": text}
	var resp Solution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/challenges/%d/solutions", challengeID), body, &resp)
	return resp, err
}

// ListSolutions returns every solution for a challenge in submission order.
func (c *Client) ListSolutions(ctx context.Context, challengeID int64) ([]Solution, error) {
	var resp []Solution
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/challenges/%d/solutions", challengeID), nil, &resp)
	return resp, err
}

// GetSolution fetches a single solution.
func (c *Client) GetSolution(ctx context.Context, challengeID, solutionID int64) (Solution, error) {
	var resp Solution
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/challenges/%d/solutions/%d", challengeID, solutionID), nil, &resp)
	return resp, err
}

// SelectWinner picks the winning solution; only the creator may call this.
func (c *Client) SelectWinner(ctx context.Context, challengeID, solutionID int64) (Challenge, error) {
	body := map[string]any{"solution_id": solutionID}
	var resp Challenge
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/challenges/%d/winner", challengeID), body, &resp)
	return resp, err
}

// ExpireChallenge expires a past-deadline challenge and refunds the creator.
func (c *Client) ExpireChallenge(ctx context.Context, challengeID int64) (Challenge, error) {
	var resp Challenge
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/challenges/%d/expire", challengeID), nil, &resp)
	return resp, err
}

// GetAgentStats returns reputation and participation counters for an agent.
func (c *Client) GetAgentStats(ctx context.Context, agentID string) (AgentStats, error) {
	var resp AgentStats
	endpoint := fmt.Sprintf("v0/agents/%s/stats", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
