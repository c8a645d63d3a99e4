package trade

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/peerswap/tradecore/internal/pagination"
)

// PostgresStore persists trades, chat messages, and disputes in PostgreSQL.
// Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, offer_id, buyer_id, seller_id, amount, currency,
			status, tx_hash, settlement, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,8), $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.OfferID, t.BuyerID, t.SellerID, t.Amount, t.Currency,
		string(t.Status), nullString(t.TxHash), nullString(string(t.Settlement)),
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const tradeColumns = `id, offer_id, buyer_id, seller_id, amount, currency,
		       status, tx_hash, settlement, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

// UpdateVersion is the optimistic-concurrency write: the WHERE clause carries
// the expected version, and zero affected rows means another writer won.
func (p *PostgresStore) UpdateVersion(ctx context.Context, t *Trade, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, tx_hash = $2, settlement = $3,
			version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		string(t.Status), nullString(t.TxHash), nullString(string(t.Settlement)),
		t.UpdatedAt, t.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing trade from a lost race.
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status IN ('released', 'refunded') AND settlement = 'pending'
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// AppendMessage assigns the next seq and inserts inside one transaction.
// The SELECT ... FOR UPDATE on the trade row prevents two writers from
// computing the same seq.
func (p *PostgresStore) AppendMessage(ctx context.Context, m *ChatMessage) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var tradeID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM trades WHERE id = $1 FOR UPDATE`, m.TradeID).Scan(&tradeID)
	if err == sql.ErrNoRows {
		return ErrTradeNotFound
	}
	if err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO trade_messages (trade_id, seq, sender_id, sender_role, text, attachment_url, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM trade_messages WHERE trade_id = $1
		RETURNING seq`,
		m.TradeID, m.SenderID, string(m.SenderRole), m.Text,
		nullString(m.AttachmentURL), m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) ListMessages(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trade_id, seq, sender_id, sender_role, text, attachment_url, created_at
		FROM trade_messages
		WHERE trade_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, tradeID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ChatMessage
	for rows.Next() {
		m := &ChatMessage{}
		var role string
		var attachment sql.NullString
		if err := rows.Scan(&m.TradeID, &m.Seq, &m.SenderID, &role, &m.Text, &attachment, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderRole = Role(role)
		m.AttachmentURL = attachment.String
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, trade_id, raised_by, reason, status, resolution, resolved_by,
			created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.TradeID, d.RaisedBy, d.Reason, string(d.Status),
		nullString(d.Resolution), nullString(d.ResolvedBy),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt),
	)
	return err
}

const disputeColumns = `id, trade_id, raised_by, reason, status, resolution, resolved_by,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) ActiveDispute(ctx context.Context, tradeID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE trade_id = $1 AND status IN ('open', 'resolving')`, tradeID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, resolved_by = $3,
			updated_at = $4, resolved_at = $5
		WHERE id = $6`,
		string(d.Status), nullString(d.Resolution), nullString(d.ResolvedBy),
		d.UpdatedAt, nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListDisputes(ctx context.Context, tradeID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE trade_id = $1
		ORDER BY created_at DESC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		status     string
		txHash     sql.NullString
		settlement sql.NullString
	)
	err := s.Scan(
		&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Currency,
		&status, &txHash, &settlement, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.TxHash = txHash.String
	t.Settlement = Settlement(settlement.String)
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.TradeID, &d.RaisedBy, &d.Reason, &status, &resolution, &resolvedBy,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
