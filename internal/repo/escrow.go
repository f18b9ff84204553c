package repo

import (
	"context"
	"database/sql"
	"errors"

	"bountyline/internal/domain"
)

// ErrEscrowReleased signals a second release/refund attempt on a settled entry.
var ErrEscrowReleased = errors.New("escrow already released")

func (r Repo) OpenEscrow(ctx context.Context, tx *sql.Tx, challengeID, amount int64, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrow_entries(challenge_id,amount,released,created_at) VALUES (?,?,0,?)`,
		challengeID, amount, createdAt)
	return err
}

func scanEscrow(row *sql.Row) (domain.EscrowEntry, error) {
	var e domain.EscrowEntry
	var released int
	err := row.Scan(&e.ChallengeID, &e.Amount, &released, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Released = released == 1
	return e, err
}

func (r Repo) GetEscrow(ctx context.Context, challengeID int64) (domain.EscrowEntry, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, `SELECT challenge_id,amount,released,created_at FROM escrow_entries WHERE challenge_id=?`, challengeID))
}

func (r Repo) GetEscrowTx(ctx context.Context, tx *sql.Tx, challengeID int64) (domain.EscrowEntry, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT challenge_id,amount,released,created_at FROM escrow_entries WHERE challenge_id=?`, challengeID))
}

// SettleEscrow flips the released flag and records the payout row as one
// step. The released=0 guard makes a double settle fail even if two
// transactions race; exactly one payout row can ever exist per challenge.
func (r Repo) SettleEscrow(ctx context.Context, tx *sql.Tx, p domain.EscrowPayout) error {
	res, err := tx.ExecContext(ctx, `UPDATE escrow_entries SET released=1 WHERE challenge_id=? AND released=0`, p.ChallengeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := r.GetEscrowTx(ctx, tx, p.ChallengeID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrEscrowReleased
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO escrow_payouts(challenge_id,recipient,amount,kind,paid_at) VALUES (?,?,?,?,?)`,
		p.ChallengeID, p.Recipient, p.Amount, p.Kind, p.PaidAt)
	return err
}

func (r Repo) GetPayout(ctx context.Context, challengeID int64) (domain.EscrowPayout, error) {
	var p domain.EscrowPayout
	err := r.DB.QueryRowContext(ctx, `SELECT challenge_id,recipient,amount,kind,paid_at FROM escrow_payouts WHERE challenge_id=?`, challengeID).
		Scan(&p.ChallengeID, &p.Recipient, &p.Amount, &p.Kind, &p.PaidAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// EscrowBalance is the entry amount until settlement, zero after.
func (r Repo) EscrowBalance(ctx context.Context, challengeID int64) (int64, error) {
	e, err := r.GetEscrow(ctx, challengeID)
	if err != nil {
		return 0, err
	}
	if e.Released {
		return 0, nil
	}
	return e.Amount, nil
}
