package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

// StatsDelta is applied to an agent's counters in one step.
type StatsDelta struct {
	Reputation         int64
	ChallengesCreated  int64
	ChallengesWon      int64
	SolutionsSubmitted int64
}

// BumpAgentStats lazily creates the agent row and applies the delta.
// Counters only ever grow.
func (r Repo) BumpAgentStats(ctx context.Context, tx *sql.Tx, agent string, d StatsDelta) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO agent_stats(agent) VALUES (?)`, agent); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE agent_stats SET
reputation=reputation+?,
challenges_created=challenges_created+?,
challenges_won=challenges_won+?,
solutions_submitted=solutions_submitted+?
WHERE agent=?`,
		d.Reputation, d.ChallengesCreated, d.ChallengesWon, d.SolutionsSubmitted, agent)
	return err
}

// GetAgentStats returns zeroed stats for an agent never seen before; it
// never reports not-found.
func (r Repo) GetAgentStats(ctx context.Context, agent string) (domain.AgentStats, error) {
	s := domain.AgentStats{Agent: agent}
	err := r.DB.QueryRowContext(ctx, `SELECT reputation,challenges_created,challenges_won,solutions_submitted FROM agent_stats WHERE agent=?`, agent).
		Scan(&s.Reputation, &s.ChallengesCreated, &s.ChallengesWon, &s.SolutionsSubmitted)
	if err == sql.ErrNoRows {
		return s, nil
	}
	return s, err
}
