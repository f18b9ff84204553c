package domain

const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

type Challenge struct {
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

type Solution struct {
	ChallengeID int64  `json:"challenge_id"`
	ID          int64  `json:"id"`
	Solver      string `json:"solver"`
	Text        string `json:"text"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
	IsWinner    bool   `json:"is_winner"`
}

// EscrowEntry holds the reward between creation and release/refund.
// The entry's balance is Amount until Released, zero after.
type EscrowEntry struct {
	ChallengeID int64  `json:"challenge_id"`
	Amount      int64  `json:"amount"`
	Released    bool   `json:"released"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

const (
	PayoutRelease = "release"
	PayoutRefund  = "refund"
)

// EscrowPayout records the single release or refund event for a challenge.
type EscrowPayout struct {
	ChallengeID int64  `json:"challenge_id"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind" enum:"release,refund"`
	PaidAt      string `json:"paid_at" format:"date-time"`
}

type AgentStats struct {
	Agent              string `json:"agent"`
	Reputation         int64  `json:"reputation"`
	ChallengesCreated  int64  `json:"challenges_created"`
	ChallengesWon      int64  `json:"challenges_won"`
	SolutionsSubmitted int64  `json:"solutions_submitted"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ChallengeID *int64 `json:"challenge_id,omitempty"`
	AgentID     string `json:"agent_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
