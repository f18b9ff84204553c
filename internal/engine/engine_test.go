package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &now}
}

func (env testEnv) createChallenge(t *testing.T, creator string, reward int64, duration int64) domain.Challenge {
	t.Helper()
	c, err := env.Engine.CreateChallenge(env.Ctx, engine.ChallengeCreateOptions{
		Creator:         creator,
		Title:           "Summarize the dataset",
		Description:     "Produce a one page summary",
		DurationSeconds: duration,
		Reward:          reward,
		Attached:        reward,
	})
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return c
}

func TestChallengeLifecycleComplete(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 500, 3600)
	if c.ID != 0 {
		t.Fatalf("first challenge id = %d, want 0", c.ID)
	}
	if c.Status != domain.StatusOpen {
		t.Fatalf("status = %s, want open", c.Status)
	}

	s0, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "use a histogram")
	if err != nil {
		t.Fatalf("submit bob: %v", err)
	}
	s1, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "carol", "use quantiles")
	if err != nil {
		t.Fatalf("submit carol: %v", err)
	}
	if s0.ID != 0 || s1.ID != 1 {
		t.Fatalf("solution ids = %d,%d, want 0,1", s0.ID, s1.ID)
	}

	done, err := env.Engine.SelectWinner(env.Ctx, c.ID, s1.ID, "alice")
	if err != nil {
		t.Fatalf("select winner: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.Winner != "carol" {
		t.Fatalf("completed = %s winner = %s", done.Status, done.Winner)
	}
	if done.WinningSolution != "use quantiles" {
		t.Fatalf("winning solution = %q", done.WinningSolution)
	}

	winning, err := env.Engine.GetSolution(env.Ctx, c.ID, s1.ID)
	if err != nil || !winning.IsWinner {
		t.Fatalf("winner flag not set: %v", err)
	}
	payout, err := env.Engine.Repo.GetPayout(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get payout: %v", err)
	}
	if payout.Kind != domain.PayoutRelease || payout.Recipient != "carol" || payout.Amount != 500 {
		t.Fatalf("payout = %+v", payout)
	}
	balance, err := env.Engine.Repo.EscrowBalance(env.Ctx, c.ID)
	if err != nil || balance != 0 {
		t.Fatalf("balance after release = %d (%v), want 0", balance, err)
	}

	// finalized challenges reject a second selection
	_, err = env.Engine.SelectWinner(env.Ctx, c.ID, s0.ID, "alice")
	if !errors.Is(err, engine.ErrAlreadyFinalized) {
		t.Fatalf("second select = %v, want ErrAlreadyFinalized", err)
	}
}

func TestDenseChallengeIDs(t *testing.T) {
	env := newTestEnv(t)
	for i := int64(0); i < 3; i++ {
		c := env.createChallenge(t, "alice", 100, 3600)
		if c.ID != i {
			t.Fatalf("challenge id = %d, want %d", c.ID, i)
		}
	}
	count, err := env.Engine.ChallengeCount(env.Ctx)
	if err != nil || count != 3 {
		t.Fatalf("count = %d (%v), want 3", count, err)
	}
}

func TestCreateChallengeValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.ChallengeCreateOptions{
		Creator:         "alice",
		Title:           "t",
		Description:     "d",
		DurationSeconds: 60,
		Reward:          100,
		Attached:        100,
	}

	opts := base
	opts.Reward = 0
	opts.Attached = 0
	if _, err := env.Engine.CreateChallenge(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("zero reward = %v, want ErrInvalidInput", err)
	}

	opts = base
	opts.Title = ""
	if _, err := env.Engine.CreateChallenge(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("missing title = %v, want ErrInvalidInput", err)
	}

	opts = base
	opts.DurationSeconds = 0
	if _, err := env.Engine.CreateChallenge(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("zero duration = %v, want ErrInvalidInput", err)
	}

	opts = base
	opts.Title = strings.Repeat("x", env.Engine.Config.Limits.TitleMax+1)
	if _, err := env.Engine.CreateChallenge(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("oversized title = %v, want ErrInvalidInput", err)
	}

	opts = base
	opts.Description = strings.Repeat("x", env.Engine.Config.Limits.DescriptionMax+1)
	if _, err := env.Engine.CreateChallenge(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("oversized description = %v, want ErrInvalidInput", err)
	}

	opts = base
	opts.Attached = 99
	if _, err := env.Engine.CreateChallenge(env.Ctx, opts); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("attached mismatch = %v, want ErrInsufficientFunds", err)
	}

	// nothing was persisted by the failed attempts
	count, err := env.Engine.ChallengeCount(env.Ctx)
	if err != nil || count != 0 {
		t.Fatalf("count = %d (%v), want 0", count, err)
	}
}

func TestOversizedSolutionRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)

	_, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", strings.Repeat("x", env.Engine.Config.Limits.SolutionMax+1))
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("oversized solution = %v, want ErrInvalidInput", err)
	}
	if _, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", ""); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("empty solution = %v, want ErrInvalidInput", err)
	}

	// the rejected submissions left nothing behind
	got, err := env.Engine.GetChallenge(env.Ctx, c.ID)
	if err != nil || got.SolutionCount != 0 {
		t.Fatalf("solution count = %d (%v), want 0", got.SolutionCount, err)
	}
	sols, err := env.Engine.GetAllSolutions(env.Ctx, c.ID)
	if err != nil || len(sols) != 0 {
		t.Fatalf("solutions = %v (%v), want none", sols, err)
	}
	stats, err := env.Engine.GetAgentStats(env.Ctx, "bob")
	if err != nil || stats.SolutionsSubmitted != 0 {
		t.Fatalf("bob stats = %+v (%v)", stats, err)
	}
}

func TestSubmitAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)

	*env.Clock = env.Clock.Add(2 * time.Hour)
	_, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "too late")
	if !errors.Is(err, engine.ErrDeadlinePassed) {
		t.Fatalf("late submit = %v, want ErrDeadlinePassed", err)
	}

	// passing the deadline never flips the stored status by itself
	got, err := env.Engine.GetChallenge(env.Ctx, c.ID)
	if err != nil || got.Status != domain.StatusOpen {
		t.Fatalf("status = %s (%v), want open", got.Status, err)
	}
	ids, err := env.Engine.GetOpenChallenges(env.Ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("open view = %v (%v), want empty past deadline", ids, err)
	}
}

func TestSubmitToMissingOrFinalized(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SubmitSolution(env.Ctx, 42, "bob", "text"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing challenge = %v, want ErrNotFound", err)
	}

	c := env.createChallenge(t, "alice", 100, 3600)
	s, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "text")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "carol", "text"); !errors.Is(err, engine.ErrAlreadyFinalized) {
		t.Fatalf("submit to completed = %v, want ErrAlreadyFinalized", err)
	}
}

func TestSelfSolutionPolicy(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)
	if _, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "alice", "my own"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("self solve = %v, want ErrUnauthorized", err)
	}

	env.Engine.Config.Policies.AllowSelfSolutions = true
	if _, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "alice", "my own"); err != nil {
		t.Fatalf("self solve with policy = %v", err)
	}
}

func TestSelectWinnerChecks(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)
	s, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "answer")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, s.ID, "mallory"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-creator select = %v, want ErrUnauthorized", err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, 99, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing solution = %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, 42, 0, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing challenge = %v, want ErrNotFound", err)
	}

	*env.Clock = env.Clock.Add(2 * time.Hour)
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, s.ID, "alice"); !errors.Is(err, engine.ErrDeadlinePassed) {
		t.Fatalf("select past deadline = %v, want ErrDeadlinePassed", err)
	}
}

func TestExpireChallenge(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 300, 3600)

	if _, err := env.Engine.ExpireChallenge(env.Ctx, c.ID, "bob"); !errors.Is(err, engine.ErrDeadlineNotReached) {
		t.Fatalf("early expire = %v, want ErrDeadlineNotReached", err)
	}

	*env.Clock = env.Clock.Add(2 * time.Hour)
	// any identity may expire, not just the creator
	got, err := env.Engine.ExpireChallenge(env.Ctx, c.ID, "bob")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	payout, err := env.Engine.Repo.GetPayout(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if payout.Kind != domain.PayoutRefund || payout.Recipient != "alice" || payout.Amount != 300 {
		t.Fatalf("refund payout = %+v", payout)
	}

	if _, err := env.Engine.ExpireChallenge(env.Ctx, c.ID, "bob"); !errors.Is(err, engine.ErrAlreadyFinalized) {
		t.Fatalf("double expire = %v, want ErrAlreadyFinalized", err)
	}
}

func TestExpireCompletedChallenge(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)
	s, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "answer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(2 * time.Hour)
	if _, err := env.Engine.ExpireChallenge(env.Ctx, c.ID, "bob"); !errors.Is(err, engine.ErrAlreadyFinalized) {
		t.Fatalf("expire completed = %v, want ErrAlreadyFinalized", err)
	}
}

func TestOpenChallengesView(t *testing.T) {
	env := newTestEnv(t)
	c0 := env.createChallenge(t, "alice", 100, 3600)
	c1 := env.createChallenge(t, "alice", 100, 60)
	c2 := env.createChallenge(t, "alice", 100, 3600)

	s, err := env.Engine.SubmitSolution(env.Ctx, c2.ID, "bob", "answer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, c2.ID, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	*env.Clock = env.Clock.Add(10 * time.Minute)
	ids, err := env.Engine.GetOpenChallenges(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	// c1 is past its deadline, c2 is completed
	if len(ids) != 1 || ids[0] != c0.ID {
		t.Fatalf("open ids = %v, want [%d] (c1=%d past deadline)", ids, c0.ID, c1.ID)
	}
}

func TestAgentStats(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)
	s, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "answer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	alice, err := env.Engine.GetAgentStats(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if alice.ChallengesCreated != 1 || alice.Reputation != 1 {
		t.Fatalf("alice stats = %+v", alice)
	}

	bob, err := env.Engine.GetAgentStats(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.SolutionsSubmitted != 1 || bob.ChallengesWon != 1 || bob.Reputation != 11 {
		t.Fatalf("bob stats = %+v", bob)
	}

	// unknown agents read as all zeroes
	nobody, err := env.Engine.GetAgentStats(env.Ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if nobody.Reputation != 0 || nobody.ChallengesCreated != 0 {
		t.Fatalf("unknown agent stats = %+v", nobody)
	}
}

func TestEventLog(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, "alice", 100, 3600)
	s, err := env.Engine.SubmitSolution(env.Ctx, c.ID, "bob", "answer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := map[string]bool{
		"challenge.created":   false,
		"solution.submitted":  false,
		"challenge.completed": false,
		"escrow.released":     false,
	}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing event %s in %v", typ, types)
		}
	}
}
