package postgres

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-sync/internal/domain/checkout"
)

var _ checkout.Journal = (*Journal)(nil)

const (
	recordOrderSQL = `INSERT INTO order_journal
    (order_id, namespace, subtotal, shipping_charge, discount, total, points_used, points_to_earn, placed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (order_id) DO NOTHING`

	listOrdersSQL = `SELECT order_id, subtotal, shipping_charge, discount, total, points_used, points_to_earn, placed_at
FROM order_journal
WHERE namespace = $1
ORDER BY placed_at DESC
LIMIT $2`
)

// Journal records placed orders per namespace. NUMERIC columns are scanned
// into decimal.Decimal, so the pool must come from NewPool.
type Journal struct {
	db        DBTX
	namespace string
}

// NewJournal returns a Journal writing under namespace.
func NewJournal(db DBTX, namespace string) *Journal {
	return &Journal{db: db, namespace: namespace}
}

// Record inserts e. Recording the same order twice is a no-op.
func (j *Journal) Record(ctx context.Context, e checkout.Entry) error {
	_, err := j.db.Exec(ctx, recordOrderSQL,
		e.OrderID,
		j.namespace,
		e.Subtotal,
		e.ShippingCharge,
		e.Discount,
		e.Total,
		e.PointsUsed,
		e.PointsToEarn,
		e.PlacedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "record order %q", e.OrderID)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]checkout.Entry, error) {
	rows, err := j.db.Query(ctx, listOrdersSQL, j.namespace, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	defer rows.Close()

	var out []checkout.Entry
	for rows.Next() {
		var e checkout.Entry
		if err := rows.Scan(
			&e.OrderID,
			&e.Subtotal,
			&e.ShippingCharge,
			&e.Discount,
			&e.Total,
			&e.PointsUsed,
			&e.PointsToEarn,
			&e.PlacedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate orders")
	}
	return out, nil
}
