package orders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// UpdateOrder locks the row, refuses to leave a terminal state, then writes
// the mutable columns in the same transaction.
func (r *Repo) UpdateOrder(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var cur string
	if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, o.ID).Scan(&cur); err != nil {
		return notFound(err)
	}
	if st := Status(cur); st.Terminal() && st != o.Status {
		return ErrTerminal
	}

	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, start_count=$3, remaining_count=$4, completed_at=$5, updated_at=$6
		WHERE id=$1`,
		o.ID, string(o.Status), o.StartCount, o.RemainingCount, o.CompletedAt, o.UpdatedAt); err != nil {
		return errors.Wrapf(err, "update order %d", o.ID)
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}
