package server

import (
	"bountyline/internal/domain"
)

// Request payloads

type CreateChallengeRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Category        string `json:"category,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
	Reward          int64  `json:"reward"`
	Attached        int64  `json:"attached"`
}

type SubmitSolutionRequest struct {
	Text string `json:"text"`
}

type SelectWinnerRequest struct {
	SolutionID int64 `json:"solution_id"`
}

type CreateAPIKeyRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ChallengeResponse struct {
	ID              int64  `json:"id"`
	Creator         string `json:"creator"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Category        string `json:"category,omitempty"`
	Reward          int64  `json:"reward"`
	Deadline        string `json:"deadline" format:"date-time"`
	Status          string `json:"status" enum:"open,completed,expired"`
	Winner          string `json:"winner,omitempty"`
	WinningSolution string `json:"winning_solution,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	SolutionCount   int64  `json:"solution_count"`
}

type SolutionResponse struct {
	ChallengeID int64  `json:"challenge_id"`
	ID          int64  `json:"id"`
	Solver      string `json:"solver"`
	Text        string `json:"text"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
	IsWinner    bool   `json:"is_winner"`
}

type EscrowResponse struct {
	ChallengeID int64                `json:"challenge_id"`
	Amount      int64                `json:"amount"`
	Balance     int64                `json:"balance"`
	Released    bool                 `json:"released"`
	Payout      *domain.EscrowPayout `json:"payout,omitempty"`
}

type AgentStatsResponse struct {
	Agent              string `json:"agent"`
	Reputation         int64  `json:"reputation"`
	ChallengesCreated  int64  `json:"challenges_created"`
	ChallengesWon      int64  `json:"challenges_won"`
	SolutionsSubmitted int64  `json:"solutions_submitted"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type paginatedChallenges struct {
	Items      []ChallengeResponse `json:"items"`
	NextCursor *int64              `json:"next_cursor,omitempty"`
}

func challengeResponse(c domain.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:              c.ID,
		Creator:         c.Creator,
		Title:           c.Title,
		Description:     c.Description,
		Category:        c.Category,
		Reward:          c.Reward,
		Deadline:        c.Deadline,
		Status:          c.Status,
		Winner:          c.Winner,
		WinningSolution: c.WinningSolution,
		CreatedAt:       c.CreatedAt,
		SolutionCount:   c.SolutionCount,
	}
}

func mapChallenges(in []domain.Challenge) []ChallengeResponse {
	out := make([]ChallengeResponse, 0, len(in))
	for _, c := range in {
		out = append(out, challengeResponse(c))
	}
	return out
}

func solutionResponse(s domain.Solution) SolutionResponse {
	return SolutionResponse{
		ChallengeID: s.ChallengeID,
		ID:          s.ID,
		Solver:      s.Solver,
		Text:        s.Text,
		SubmittedAt: s.SubmittedAt,
		IsWinner:    s.IsWinner,
	}
}

func mapSolutions(in []domain.Solution) []SolutionResponse {
	out := make([]SolutionResponse, 0, len(in))
	for _, s := range in {
		out = append(out, solutionResponse(s))
	}
	return out
}

func statsResponse(s domain.AgentStats) AgentStatsResponse {
	return AgentStatsResponse{
		Agent:              s.Agent,
		Reputation:         s.Reputation,
		ChallengesCreated:  s.ChallengesCreated,
		ChallengesWon:      s.ChallengesWon,
		SolutionsSubmitted: s.SolutionsSubmitted,
	}
}
