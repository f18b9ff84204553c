package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/repo"
)

// Engine is the lifecycle manager: the only component that changes a
// challenge's status, and the only trigger of escrow movement and
// reputation updates. Every mutation runs as one SQL transaction so a
// failure at any step leaves no observable state behind.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ChallengeCreateOptions are parameters for posting a challenge. Attached is
// the value the caller put up; it must equal Reward exactly.
type ChallengeCreateOptions struct {
	Creator         string
	Title           string
	Description     string
	Category        string
	DurationSeconds int64
	Reward          int64
	Attached        int64
}

func (e Engine) CreateChallenge(ctx context.Context, opts ChallengeCreateOptions) (domain.Challenge, error) {
	if e.Config == nil {
		return domain.Challenge{}, errors.New("config not loaded")
	}
	if opts.Creator == "" {
		return domain.Challenge{}, fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	if opts.Reward <= 0 {
		return domain.Challenge{}, fmt.Errorf("%w: reward must be positive", ErrInvalidInput)
	}
	if opts.DurationSeconds <= 0 {
		return domain.Challenge{}, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if err := e.checkText("title", opts.Title, e.Config.Limits.TitleMax, true); err != nil {
		return domain.Challenge{}, err
	}
	if err := e.checkText("description", opts.Description, e.Config.Limits.DescriptionMax, true); err != nil {
		return domain.Challenge{}, err
	}
	if err := e.checkText("category", opts.Category, e.Config.Limits.CategoryMax, false); err != nil {
		return domain.Challenge{}, err
	}
	if opts.Attached != opts.Reward {
		return domain.Challenge{}, fmt.Errorf("%w: attached %d does not match reward %d", ErrInsufficientFunds, opts.Attached, opts.Reward)
	}

	now := e.now().UTC()
	c := domain.Challenge{
		Creator:       opts.Creator,
		Title:         opts.Title,
		Description:   opts.Description,
		Category:      opts.Category,
		Reward:        opts.Reward,
		Deadline:      now.Add(time.Duration(opts.DurationSeconds) * time.Second).Format(time.RFC3339),
		Status:        domain.StatusOpen,
		CreatedAt:     now.Format(time.RFC3339),
		SolutionCount: 0,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer tx.Rollback()

	c.ID, err = e.Repo.NextChallengeID(ctx, tx)
	if err != nil {
		return domain.Challenge{}, err
	}
	if err := e.Repo.InsertChallenge(ctx, tx, c); err != nil {
		return domain.Challenge{}, fmt.Errorf("insert challenge: %w", err)
	}
	if err := e.Repo.OpenEscrow(ctx, tx, c.ID, c.Reward, c.CreatedAt); err != nil {
		return domain.Challenge{}, fmt.Errorf("open escrow: %w", err)
	}
	if err := e.Repo.BumpAgentStats(ctx, tx, c.Creator, repo.StatsDelta{
		Reputation:        e.Config.Reputation.Created,
		ChallengesCreated: 1,
	}); err != nil {
		return domain.Challenge{}, fmt.Errorf("update creator stats: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "challenge.created", &c.ID, c.Creator, events.EventPayload{
		"title":    c.Title,
		"reward":   c.Reward,
		"deadline": c.Deadline,
	}); err != nil {
		return domain.Challenge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Challenge{}, err
	}
	return c, nil
}

// SubmitSolution appends a solution to an open challenge. Checks run in a
// fixed order: existence, status, deadline, text bounds, self-solve policy.
func (e Engine) SubmitSolution(ctx context.Context, challengeID int64, solver, text string) (domain.Solution, error) {
	if e.Config == nil {
		return domain.Solution{}, errors.New("config not loaded")
	}
	if solver == "" {
		return domain.Solution{}, fmt.Errorf("%w: solver is required", ErrInvalidInput)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Solution{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChallengeTx(ctx, tx, challengeID)
	if err != nil {
		return domain.Solution{}, err
	}
	if c.Status != domain.StatusOpen {
		return domain.Solution{}, fmt.Errorf("%w: challenge %d is %s", ErrAlreadyFinalized, challengeID, c.Status)
	}
	now := e.now().UTC()
	if deadlinePassed(c.Deadline, now) {
		return domain.Solution{}, fmt.Errorf("%w: challenge %d closed at %s", ErrDeadlinePassed, challengeID, c.Deadline)
	}
	if err := e.checkText("solution", text, e.Config.Limits.SolutionMax, true); err != nil {
		return domain.Solution{}, err
	}
	if !e.Config.Policies.AllowSelfSolutions && solver == c.Creator {
		return domain.Solution{}, fmt.Errorf("%w: creator cannot solve own challenge", ErrUnauthorized)
	}

	s := domain.Solution{
		ChallengeID: challengeID,
		ID:          c.SolutionCount,
		Solver:      solver,
		Text:        text,
		SubmittedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertSolution(ctx, tx, s); err != nil {
		return domain.Solution{}, fmt.Errorf("insert solution: %w", err)
	}
	if err := e.Repo.IncrementSolutionCount(ctx, tx, challengeID); err != nil {
		return domain.Solution{}, fmt.Errorf("bump solution count: %w", err)
	}
	if err := e.Repo.BumpAgentStats(ctx, tx, solver, repo.StatsDelta{
		Reputation:         e.Config.Reputation.Submitted,
		SolutionsSubmitted: 1,
	}); err != nil {
		return domain.Solution{}, fmt.Errorf("update solver stats: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "solution.submitted", &challengeID, solver, events.EventPayload{
		"solution_id": s.ID,
	}); err != nil {
		return domain.Solution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Solution{}, err
	}
	return s, nil
}

// SelectWinner finalizes a challenge: winner flag, status, escrow release
// and reputation move together or not at all.
func (e Engine) SelectWinner(ctx context.Context, challengeID, solutionID int64, caller string) (domain.Challenge, error) {
	if e.Config == nil {
		return domain.Challenge{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChallengeTx(ctx, tx, challengeID)
	if err != nil {
		return domain.Challenge{}, err
	}
	if caller != c.Creator {
		return domain.Challenge{}, fmt.Errorf("%w: only the creator may select a winner", ErrUnauthorized)
	}
	if c.Status != domain.StatusOpen {
		return domain.Challenge{}, fmt.Errorf("%w: challenge %d is %s", ErrAlreadyFinalized, challengeID, c.Status)
	}
	now := e.now().UTC()
	if deadlinePassed(c.Deadline, now) {
		return domain.Challenge{}, fmt.Errorf("%w: challenge %d closed at %s", ErrDeadlinePassed, challengeID, c.Deadline)
	}
	s, err := e.Repo.GetSolutionTx(ctx, tx, challengeID, solutionID)
	if err != nil {
		return domain.Challenge{}, err
	}

	if err := e.Repo.MarkWinningSolution(ctx, tx, challengeID, solutionID); err != nil {
		return domain.Challenge{}, fmt.Errorf("mark winning solution: %w", err)
	}
	if err := e.Repo.MarkCompleted(ctx, tx, challengeID, s.Solver, s.Text); err != nil {
		return domain.Challenge{}, fmt.Errorf("complete challenge: %w", err)
	}
	if err := e.settleEscrow(ctx, tx, c, s.Solver, domain.PayoutRelease, now); err != nil {
		return domain.Challenge{}, err
	}
	if err := e.Repo.BumpAgentStats(ctx, tx, s.Solver, repo.StatsDelta{
		Reputation:    e.Config.Reputation.Won,
		ChallengesWon: 1,
	}); err != nil {
		return domain.Challenge{}, fmt.Errorf("update winner stats: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "challenge.completed", &challengeID, caller, events.EventPayload{
		"winner":      s.Solver,
		"solution_id": solutionID,
	}); err != nil {
		return domain.Challenge{}, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.released", &challengeID, caller, events.EventPayload{
		"recipient": s.Solver,
		"amount":    c.Reward,
	}); err != nil {
		return domain.Challenge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Challenge{}, err
	}

	c.Status = domain.StatusCompleted
	c.Winner = s.Solver
	c.WinningSolution = s.Text
	return c, nil
}

// ExpireChallenge is callable by any identity once the deadline has passed.
func (e Engine) ExpireChallenge(ctx context.Context, challengeID int64, caller string) (domain.Challenge, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChallengeTx(ctx, tx, challengeID)
	if err != nil {
		return domain.Challenge{}, err
	}
	if c.Status != domain.StatusOpen {
		return domain.Challenge{}, fmt.Errorf("%w: challenge %d is %s", ErrAlreadyFinalized, challengeID, c.Status)
	}
	now := e.now().UTC()
	if !deadlinePassed(c.Deadline, now) {
		return domain.Challenge{}, fmt.Errorf("%w: challenge %d open until %s", ErrDeadlineNotReached, challengeID, c.Deadline)
	}

	if err := e.Repo.MarkExpired(ctx, tx, challengeID); err != nil {
		return domain.Challenge{}, fmt.Errorf("expire challenge: %w", err)
	}
	if err := e.settleEscrow(ctx, tx, c, c.Creator, domain.PayoutRefund, now); err != nil {
		return domain.Challenge{}, err
	}
	if err := e.Events.Append(ctx, tx, "challenge.expired", &challengeID, caller, events.EventPayload{}); err != nil {
		return domain.Challenge{}, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.refunded", &challengeID, caller, events.EventPayload{
		"recipient": c.Creator,
		"amount":    c.Reward,
	}); err != nil {
		return domain.Challenge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Challenge{}, err
	}

	c.Status = domain.StatusExpired
	return c, nil
}

func (e Engine) settleEscrow(ctx context.Context, tx *sql.Tx, c domain.Challenge, recipient, kind string, now time.Time) error {
	err := e.Repo.SettleEscrow(ctx, tx, domain.EscrowPayout{
		ChallengeID: c.ID,
		Recipient:   recipient,
		Amount:      c.Reward,
		Kind:        kind,
		PaidAt:      now.Format(time.RFC3339),
	})
	if errors.Is(err, repo.ErrEscrowReleased) {
		return fmt.Errorf("%w: escrow for challenge %d already settled", ErrAlreadyFinalized, c.ID)
	}
	if err != nil {
		return fmt.Errorf("settle escrow: %w", err)
	}
	return nil
}

// --- read side ---

func (e Engine) GetChallenge(ctx context.Context, id int64) (domain.Challenge, error) {
	return e.Repo.GetChallenge(ctx, id)
}

func (e Engine) GetSolution(ctx context.Context, challengeID, solutionID int64) (domain.Solution, error) {
	if _, err := e.Repo.GetChallenge(ctx, challengeID); err != nil {
		return domain.Solution{}, err
	}
	return e.Repo.GetSolution(ctx, challengeID, solutionID)
}

func (e Engine) GetAllSolutions(ctx context.Context, challengeID int64) ([]domain.Solution, error) {
	if _, err := e.Repo.GetChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	return e.Repo.ListSolutions(ctx, challengeID)
}

// GetOpenChallenges evaluates the open view against the current clock.
func (e Engine) GetOpenChallenges(ctx context.Context) ([]int64, error) {
	return e.Repo.OpenChallengeIDs(ctx, e.now().UTC().Format(time.RFC3339))
}

func (e Engine) GetAgentStats(ctx context.Context, agent string) (domain.AgentStats, error) {
	return e.Repo.GetAgentStats(ctx, agent)
}

func (e Engine) ChallengeCount(ctx context.Context) (int64, error) {
	return e.Repo.ChallengeCount(ctx)
}

// --- helpers ---

func (e Engine) checkText(field, value string, max int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if max > 0 && len(value) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, field, max)
	}
	return nil
}

func deadlinePassed(deadline string, now time.Time) bool {
	d, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return true
	}
	return !now.Before(d)
}
