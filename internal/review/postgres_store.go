package review

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists reviews in PostgreSQL. Schema lives in
// migrations/. The unique index on (trade_id, author_id) backs the
// write-once rule.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, trade_id, offer_id, author_id, subject_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TradeID, r.OfferID, r.AuthorID, r.SubjectID, r.Rating, r.Comment, r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyReviewed
	}
	return err
}

func (p *PostgresStore) Exists(ctx context.Context, tradeID, authorID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM reviews WHERE trade_id = $1 AND author_id = $2)`,
		tradeID, authorID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, offer_id, author_id, subject_id, rating, comment, created_at
		FROM reviews WHERE subject_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		subjectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Review
	for rows.Next() {
		r := &Review{}
		if err := rows.Scan(&r.ID, &r.TradeID, &r.OfferID, &r.AuthorID, &r.SubjectID, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Summarize(ctx context.Context, subjectID string) (*Summary, error) {
	sum := &Summary{UserID: subjectID}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(rating), 0)
		FROM reviews WHERE subject_id = $1`,
		subjectID,
	).Scan(&sum.Count, &sum.Average)
	return sum, err
}
