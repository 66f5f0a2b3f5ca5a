package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/supply-ledger/internal/core/domain"
)

type mysqlTx struct {
	tx *sql.Tx
}

const itemColumns = `id, name, category, unit, active, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (domain.Item, error) {
	var item domain.Item
	var category string
	err := row.Scan(&item.ID, &item.Name, &category, &item.Unit, &item.Active, &item.CreatedAt, &item.UpdatedAt)
	item.Category = domain.Category(category)
	return item, err
}

func (t *mysqlTx) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	item, err := scanItem(t.tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return &item, nil
}

func (t *mysqlTx) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *mysqlTx) SaveItem(ctx context.Context, item domain.Item) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (id, name, category, unit, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name), category = VALUES(category), unit = VALUES(unit),
			active = VALUES(active), updated_at = VALUES(updated_at)`,
		item.ID, item.Name, string(item.Category), item.Unit, item.Active, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}

func (t *mysqlTx) queryStockEntry(ctx context.Context, itemID string, forUpdate bool) (*domain.StockEntry, error) {
	query := `SELECT item_id, quantity, version, updated_at FROM stock_entries WHERE item_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var e domain.StockEntry
	err := t.tx.QueryRowContext(ctx, query, itemID).Scan(&e.ItemID, &e.Quantity, &e.Version, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock entry: %w", err)
	}
	return &e, nil
}

func (t *mysqlTx) GetStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error) {
	return t.queryStockEntry(ctx, itemID, false)
}

func (t *mysqlTx) LockStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error) {
	return t.queryStockEntry(ctx, itemID, true)
}

func (t *mysqlTx) EnsureStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO stock_entries (item_id, quantity, version, updated_at)
		VALUES (?, 0, 0, ?)`, itemID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure stock entry: %w", err)
	}
	e, err := t.queryStockEntry(ctx, itemID, true)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
	}
	return e, nil
}

func (t *mysqlTx) ListStockEntries(ctx context.Context) ([]domain.StockEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT item_id, quantity, version, updated_at FROM stock_entries ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("query stock entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.StockEntry
	for rows.Next() {
		var e domain.StockEntry
		if err := rows.Scan(&e.ItemID, &e.Quantity, &e.Version, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *mysqlTx) UpdateStockEntry(ctx context.Context, e domain.StockEntry) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_entries
		SET quantity = ?, version = version + 1, updated_at = ?
		WHERE item_id = ? AND version = ?`,
		e.Quantity, e.UpdatedAt, e.ItemID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update stock entry: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *mysqlTx) AppendMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, item_id, kind, delta, quantity_after, request_id, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ItemID, string(m.Kind), m.Delta, m.QuantityAfter, nullString(m.RequestID), m.ActorID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (t *mysqlTx) ListMovements(ctx context.Context, itemID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, item_id, kind, delta, quantity_after, request_id, actor_id, created_at
		FROM stock_movements WHERE item_id = ?
		ORDER BY seq DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		var kind string
		var requestID sql.NullString
		if err := rows.Scan(&m.ID, &m.ItemID, &kind, &m.Delta, &m.QuantityAfter, &requestID, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Kind = domain.MovementKind(kind)
		m.RequestID = requestID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

const requestColumns = `id, requester_id, origin, status, notes, reject_reason, reviewed_by, version, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (domain.Request, error) {
	var r domain.Request
	var status string
	var reviewedBy sql.NullString
	err := row.Scan(&r.ID, &r.RequesterID, &r.Origin, &status, &r.Notes, &r.RejectReason,
		&reviewedBy, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	r.Status = domain.RequestStatus(status)
	if reviewedBy.Valid {
		v := reviewedBy.String
		r.ReviewedBy = &v
	}
	return r, err
}

func (t *mysqlTx) queryRequest(ctx context.Context, id string, forUpdate bool) (*domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}

	lines, err := t.queryLines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	r.Lines = lines[id]
	return &r, nil
}

func (t *mysqlTx) queryLines(ctx context.Context, requestIDs []string) (map[string][]domain.RequestLine, error) {
	out := make(map[string][]domain.RequestLine, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, request_id, item_id, requested_qty, approved_qty
		FROM request_lines WHERE request_id IN (`+placeholders(len(args))+`)
		ORDER BY request_id, line_no`, args...)
	if err != nil {
		return nil, fmt.Errorf("query request lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ln domain.RequestLine
		var approved sql.NullInt64
		if err := rows.Scan(&ln.ID, &ln.RequestID, &ln.ItemID, &ln.RequestedQty, &approved); err != nil {
			return nil, fmt.Errorf("scan request line: %w", err)
		}
		if approved.Valid {
			v := int(approved.Int64)
			ln.ApprovedQty = &v
		}
		out[ln.RequestID] = append(out[ln.RequestID], ln)
	}
	return out, rows.Err()
}

func (t *mysqlTx) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	return t.queryRequest(ctx, id, false)
}

func (t *mysqlTx) LockRequest(ctx context.Context, id string) (*domain.Request, error) {
	return t.queryRequest(ctx, id, true)
}

func (t *mysqlTx) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	filter = filter.Normalize()

	var where []string
	var args []any
	if filter.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	var out []domain.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	rows.Close()

	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	lines, err := t.queryLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, nil
}

func (t *mysqlTx) InsertRequest(ctx context.Context, r domain.Request) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequesterID, r.Origin, string(r.Status), r.Notes, r.RejectReason,
		nullStringPtr(r.ReviewedBy), r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	values := make([]string, len(r.Lines))
	args := make([]any, 0, len(r.Lines)*6)
	for i, ln := range r.Lines {
		values[i] = "(?, ?, ?, ?, ?, ?)"
		args = append(args, ln.ID, r.ID, i, ln.ItemID, ln.RequestedQty, nullInt(ln.ApprovedQty))
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO request_lines (id, request_id, line_no, item_id, requested_qty, approved_qty)
		VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("insert request lines: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateRequest(ctx context.Context, r domain.Request) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, notes = ?, reject_reason = ?, reviewed_by = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(r.Status), r.Notes, r.RejectReason, nullStringPtr(r.ReviewedBy), r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}

	for _, ln := range r.Lines {
		result, err := t.tx.ExecContext(ctx, `
			UPDATE request_lines SET approved_qty = ? WHERE id = ? AND request_id = ?`,
			nullInt(ln.ApprovedQty), ln.ID, r.ID,
		)
		if err != nil {
			return fmt.Errorf("update request line: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 && ln.ApprovedQty != nil {
			// MySQL reports zero affected rows when the value is unchanged, so only a
			// missing row is an error.
			var exists int
			if err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM request_lines WHERE id = ? AND request_id = ?`, ln.ID, r.ID).Scan(&exists); err != nil {
				return fmt.Errorf("update request line %s: %w", ln.ID, err)
			}
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
