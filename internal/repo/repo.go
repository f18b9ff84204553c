package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const challengeColumns = `id,creator,title,description,COALESCE(category,''),reward,deadline,status,COALESCE(winner,''),COALESCE(winning_solution,''),created_at,solution_count`

func scanChallenge(scan func(dest ...any) error) (domain.Challenge, error) {
	var c domain.Challenge
	err := scan(&c.ID, &c.Creator, &c.Title, &c.Description, &c.Category, &c.Reward,
		&c.Deadline, &c.Status, &c.Winner, &c.WinningSolution, &c.CreatedAt, &c.SolutionCount)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// NextChallengeID returns the next dense id inside the caller's transaction.
// Ids start at 0 and are never reused, so MAX(id)+1 equals the total ever created.
func (r Repo) NextChallengeID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id)+1, 0) FROM challenges`).Scan(&next)
	return next, err
}

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO challenges(id,creator,title,description,category,reward,deadline,status,winner,winning_solution,created_at,solution_count)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Creator, c.Title, c.Description, nullable(c.Category), c.Reward, c.Deadline,
		c.Status, nullable(c.Winner), nullable(c.WinningSolution), c.CreatedAt, c.SolutionCount)
	return err
}

func (r Repo) GetChallenge(ctx context.Context, id int64) (domain.Challenge, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id)
	return scanChallenge(row.Scan)
}

func (r Repo) GetChallengeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Challenge, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id)
	return scanChallenge(row.Scan)
}

// MarkCompleted finalizes a challenge; only the lifecycle engine calls this,
// inside the same transaction as the escrow release.
func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id int64, winner, winningSolution string) error {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET status=?, winner=?, winning_solution=? WHERE id=? AND status=?`,
		domain.StatusCompleted, winner, winningSolution, id, domain.StatusOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkExpired(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET status=? WHERE id=? AND status=?`,
		domain.StatusExpired, id, domain.StatusOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementSolutionCount(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE challenges SET solution_count=solution_count+1 WHERE id=?`, id)
	return err
}

// ChallengeCount returns the total challenges ever created, which is also
// the next id to be assigned.
func (r Repo) ChallengeCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id)+1, 0) FROM challenges`).Scan(&count)
	return count, err
}

// OpenChallengeIDs is a derived view over the challenge table: ids that are
// open and not yet past deadline, ascending. Timestamps are RFC3339 UTC so
// string comparison matches time comparison.
func (r Repo) OpenChallengeIDs(ctx context.Context, now string) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM challenges WHERE status=? AND deadline > ? ORDER BY id ASC`,
		domain.StatusOpen, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type ChallengeFilters struct {
	Status   string
	Creator  string
	Limit    int
	CursorID *int64
}

func (r Repo) ListChallenges(ctx context.Context, f ChallengeFilters) ([]domain.Challenge, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Creator != "" {
		clauses = append(clauses, "creator=?")
		args = append(args, f.Creator)
	}
	if f.CursorID != nil {
		clauses = append(clauses, "id<?")
		args = append(args, *f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + challengeColumns + ` FROM challenges ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertSolution(ctx context.Context, tx *sql.Tx, s domain.Solution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO solutions(challenge_id,id,solver,text,submitted_at,is_winner) VALUES (?,?,?,?,?,?)`,
		s.ChallengeID, s.ID, s.Solver, s.Text, s.SubmittedAt, boolToInt(s.IsWinner))
	return err
}

func scanSolution(scan func(dest ...any) error) (domain.Solution, error) {
	var s domain.Solution
	var winner int
	err := scan(&s.ChallengeID, &s.ID, &s.Solver, &s.Text, &s.SubmittedAt, &winner)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.IsWinner = winner == 1
	return s, err
}

func (r Repo) GetSolution(ctx context.Context, challengeID, id int64) (domain.Solution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT challenge_id,id,solver,text,submitted_at,is_winner FROM solutions WHERE challenge_id=? AND id=?`,
		challengeID, id)
	return scanSolution(row.Scan)
}

func (r Repo) GetSolutionTx(ctx context.Context, tx *sql.Tx, challengeID, id int64) (domain.Solution, error) {
	row := tx.QueryRowContext(ctx, `SELECT challenge_id,id,solver,text,submitted_at,is_winner FROM solutions WHERE challenge_id=? AND id=?`,
		challengeID, id)
	return scanSolution(row.Scan)
}

// ListSolutions returns every solution for a challenge in submission order.
func (r Repo) ListSolutions(ctx context.Context, challengeID int64) ([]domain.Solution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT challenge_id,id,solver,text,submitted_at,is_winner FROM solutions WHERE challenge_id=? ORDER BY id ASC`,
		challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Solution
	for rows.Next() {
		s, err := scanSolution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) MarkWinningSolution(ctx context.Context, tx *sql.Tx, challengeID, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE solutions SET is_winner=1 WHERE challenge_id=? AND id=?`, challengeID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// LatestEvents returns recent events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, evtType string, challengeID *int64) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if challengeID != nil {
		clauses = append(clauses, "challenge_id=?")
		args = append(args, *challengeID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,challenge_id,agent_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,challenge_id,agent_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var cid sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &cid, &e.AgentID, &e.Payload); err != nil {
			return nil, err
		}
		if cid.Valid {
			v := cid.Int64
			e.ChallengeID = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
