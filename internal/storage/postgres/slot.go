package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-sync/internal/domain/cart"
)

var _ cart.Slot = (*Slot)(nil)

const (
	getSlotSQL = `SELECT value FROM cart_slots
WHERE namespace = $1 AND name = $2 AND (expires_at IS NULL OR expires_at > now())`

	upsertSlotSQL = `INSERT INTO cart_slots (namespace, name, value, expires_at, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (namespace, name)
DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`

	purgeSlotsSQL = `DELETE FROM cart_slots WHERE expires_at IS NOT NULL AND expires_at <= now()`
)

// Slot is a cart slot scoped to one namespace, usually a session id.
type Slot struct {
	db        DBTX
	namespace string
	ttl       time.Duration
}

// NewSlot creates a Slot. A zero ttl keeps values forever.
func NewSlot(db DBTX, namespace string, ttl time.Duration) *Slot {
	return &Slot{db: db, namespace: namespace, ttl: ttl}
}

func (s *Slot) Get(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, getSlotSQL, s.namespace, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cart.ErrSlotEmpty
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get slot %s/%s", s.namespace, name)
	}
	return value, nil
}

func (s *Slot) Set(ctx context.Context, name string, value []byte) error {
	var expires *time.Time
	if s.ttl > 0 {
		at := time.Now().Add(s.ttl).UTC()
		expires = &at
	}
	if _, err := s.db.Exec(ctx, upsertSlotSQL, s.namespace, name, value, expires); err != nil {
		return errors.Wrapf(err, "set slot %s/%s", s.namespace, name)
	}
	return nil
}

// Ping checks that the slot table is reachable.
func (s *Slot) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "ping postgres")
	}
	return nil
}

// PurgeExpired deletes expired slots and reports how many were removed.
func PurgeExpired(ctx context.Context, db DBTX) (int64, error) {
	tag, err := db.Exec(ctx, purgeSlotsSQL)
	if err != nil {
		return 0, errors.Wrap(err, "purge expired slots")
	}
	return tag.RowsAffected(), nil
}
