package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chorelink/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

//go:embed schema.sql
var schemaSQL string

// Compile-time interface checks.
var _ LedgerStore = (*SQLiteStore)(nil)
var _ LedgerReader = (*SQLiteStore)(nil)

// SQLiteStore implements LedgerStore and LedgerReader backed by a SQLite
// database. Every ledger append folds into chore_snapshot in the same
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	// One writer; the fold reads and writes in the same transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// LedgerStore implementation
// ---------------------------------------------------------------------------

// CreateChoreLedger appends a chore event and folds it into the snapshot.
func (s *SQLiteStore) CreateChoreLedger(ctx context.Context, e domain.ChoreLedger) error {
	text, err := encodeText(e.Chore.Text)
	if err != nil {
		return err
	}
	at := e.EventTime.UTC().UnixNano()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c := e.Chore
		if _, err := tx.ExecContext(ctx, `INSERT INTO chore_ledger
			(chore_id, sec_id, sec_id_source, inst_type, side, px, qty, notional, account, exchange, text, event, event_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ChoreID, c.Security.SystemID, c.Security.Source, string(c.Security.InstType), string(c.Side),
			c.Px, c.Qty, c.Notional, c.Account, c.Exchange, text, string(e.Event), at,
		); err != nil {
			return fmt.Errorf("inserting chore ledger %s %s: %w", c.ChoreID, e.Event, err)
		}
		if err := ensureSnapshot(ctx, tx, c, text, at); err != nil {
			return err
		}
		return foldEvent(ctx, tx, c.ChoreID, e.Event, at)
	})
}

// CreateFillLedger appends an execution and folds it into the snapshot. A
// fill id already recorded for the chore is ignored.
func (s *SQLiteStore) CreateFillLedger(ctx context.Context, f domain.FillLedger) error {
	at := f.FillTime.UTC().UnixNano()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO fill_ledger
			(chore_id, fill_id, px, qty, notional, symbol, side, account, fill_time, cum_filled_qty)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ChoreID, f.FillID, f.Px, f.Qty, f.Notional, f.Symbol, string(f.Side), f.Account, at, f.CumFilledQty,
		)
		if err != nil {
			return fmt.Errorf("inserting fill ledger %s/%s: %w", f.ChoreID, f.FillID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return foldFill(ctx, tx, f, at)
	})
}

// PatchChoreSnapshot overwrites the set fields of one snapshot.
func (s *SQLiteStore) PatchChoreSnapshot(ctx context.Context, p domain.ChoreSnapshotPatch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.FilledQty != nil {
		set("filled_qty", *p.FilledQty)
	}
	if p.AvgFillPx != nil {
		set("avg_fill_px", *p.AvgFillPx)
	}
	if p.FillNotional != nil {
		set("fill_notional", *p.FillNotional)
	}
	if p.Qty != nil {
		set("qty", *p.Qty)
	}
	if p.Px != nil {
		set("px", *p.Px)
	}
	if p.CxlQty != nil {
		set("cxl_qty", *p.CxlQty)
	}
	if p.CxlNotional != nil {
		set("cxl_notional", *p.CxlNotional)
	}
	if p.AvgCxlPx != nil {
		set("avg_cxl_px", *p.AvgCxlPx)
	}
	if len(sets) == 0 {
		return nil
	}
	at := p.LastUpdateTime
	if at.IsZero() {
		at = time.Now()
	}
	set("last_update_time", at.UTC().UnixNano())
	args = append(args, p.ChoreID)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := "UPDATE chore_snapshot SET " + strings.Join(sets, ", ") + " WHERE chore_id = ?"
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("patching snapshot %s: %w", p.ChoreID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("patching snapshot %s: %w", p.ChoreID, ErrNotFound)
		}
		// SET expressions see the old row, so notional follows separately.
		if p.Qty != nil || p.Px != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chore_snapshot SET notional = px * qty WHERE chore_id = ?`, p.ChoreID); err != nil {
				return fmt.Errorf("recomputing notional %s: %w", p.ChoreID, err)
			}
		}
		return nil
	})
}

// ListChoreSnapshots returns every persisted snapshot ordered by chore id.
func (s *SQLiteStore) ListChoreSnapshots(ctx context.Context) ([]domain.ChoreSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+snapshotCols+" FROM chore_snapshot ORDER BY chore_id")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.ChoreSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetChoreSnapshot returns one snapshot or ErrNotFound.
func (s *SQLiteStore) GetChoreSnapshot(ctx context.Context, choreID string) (domain.ChoreSnapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotCols+" FROM chore_snapshot WHERE chore_id = ?", choreID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChoreSnapshot{}, ErrNotFound
	}
	return snap, err
}

// ---------------------------------------------------------------------------
// LedgerReader implementation
// ---------------------------------------------------------------------------

// ChoreLedgerBetween returns chore events with start <= time < end in
// append order.
func (s *SQLiteStore) ChoreLedgerBetween(ctx context.Context, start, end time.Time) ([]domain.ChoreLedger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chore_id, sec_id, sec_id_source, inst_type, side, px, qty,
		notional, account, exchange, text, event, event_time
		FROM chore_ledger WHERE event_time >= ? AND event_time < ? ORDER BY id`,
		start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("reading chore ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.ChoreLedger
	for rows.Next() {
		var (
			e                             domain.ChoreLedger
			source, inst, side, text, evt string
			at                            int64
		)
		if err := rows.Scan(&e.ID, &e.Chore.ChoreID, &e.Chore.Security.SystemID, &source, &inst, &side,
			&e.Chore.Px, &e.Chore.Qty, &e.Chore.Notional, &e.Chore.Account, &e.Chore.Exchange, &text, &evt, &at); err != nil {
			return nil, fmt.Errorf("scanning chore ledger: %w", err)
		}
		e.Chore.Security.Source = source
		e.Chore.Security.InstType = domain.InstrumentType(inst)
		e.Chore.Side = domain.Side(side)
		e.Chore.Text = decodeText(text)
		e.Event = domain.ChoreEventType(evt)
		e.EventTime = fromNanos(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// FillLedgerBetween returns fills with start <= time < end in append order.
func (s *SQLiteStore) FillLedgerBetween(ctx context.Context, start, end time.Time) ([]domain.FillLedger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chore_id, fill_id, px, qty, notional, symbol, side, account,
		fill_time, cum_filled_qty
		FROM fill_ledger WHERE fill_time >= ? AND fill_time < ? ORDER BY id`,
		start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("reading fill ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.FillLedger
	for rows.Next() {
		var (
			f    domain.FillLedger
			side string
			at   int64
		)
		if err := rows.Scan(&f.ID, &f.ChoreID, &f.FillID, &f.Px, &f.Qty, &f.Notional, &f.Symbol, &side,
			&f.Account, &at, &f.CumFilledQty); err != nil {
			return nil, fmt.Errorf("scanning fill ledger: %w", err)
		}
		f.Side = domain.Side(side)
		f.FillTime = fromNanos(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Fold
// ---------------------------------------------------------------------------

// ensureSnapshot inserts an UNACK snapshot for a chore seen for the first
// time.
func ensureSnapshot(ctx context.Context, tx *sql.Tx, c domain.ChoreBrief, text string, at int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chore_snapshot
		(chore_id, sec_id, sec_id_source, inst_type, side, px, qty, notional, account, exchange, text,
		 status, create_time, last_update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chore_id) DO NOTHING`,
		c.ChoreID, c.Security.SystemID, c.Security.Source, string(c.Security.InstType), string(c.Side),
		c.Px, c.Qty, c.Notional, c.Account, c.Exchange, text, string(domain.StatusUnack), at, at,
	)
	if err != nil {
		return fmt.Errorf("creating snapshot %s: %w", c.ChoreID, err)
	}
	return nil
}

// foldEvent moves a non-terminal snapshot to the status the event implies.
// Terminal events also record the cancelled remainder.
func foldEvent(ctx context.Context, tx *sql.Tx, choreID string, ev domain.ChoreEventType, at int64) error {
	var (
		q    string
		args []any
	)
	switch {
	case ev == domain.EventNew:
		return nil
	case ev.IsTerminal():
		q = `UPDATE chore_snapshot SET
			status = ?,
			cxl_qty = MAX(qty - filled_qty, 0),
			cxl_notional = MAX(qty - filled_qty, 0) * px,
			avg_cxl_px = CASE WHEN qty > filled_qty THEN px ELSE 0 END,
			last_update_time = ?
			WHERE chore_id = ? AND status NOT IN (?, ?)`
		args = []any{string(domain.StatusDOD), at, choreID}
	default:
		st, res := domain.StatusForEvent(ev)
		if res != domain.Mapped {
			return fmt.Errorf("folding %s for %s: unmapped event", ev, choreID)
		}
		q = `UPDATE chore_snapshot SET status = ?, last_update_time = ?
			WHERE chore_id = ? AND status NOT IN (?, ?)`
		args = []any{string(st), at, choreID}
	}
	args = append(args, string(domain.StatusDOD), string(domain.StatusFilled))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("folding %s for %s: %w", ev, choreID, err)
	}
	return nil
}

// foldFill accumulates a fill into the snapshot. Notional and average
// price are summed in decimal to keep repeated folds exact.
func foldFill(ctx context.Context, tx *sql.Tx, f domain.FillLedger, at int64) error {
	var (
		status               string
		qty, filled, cxlQty  int64
		px, notional, cxlNtl float64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, qty, px, filled_qty, fill_notional, cxl_qty, cxl_notional
		FROM chore_snapshot WHERE chore_id = ?`, f.ChoreID,
	).Scan(&status, &qty, &px, &filled, &notional, &cxlQty, &cxlNtl)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("folding fill %s/%s: %w", f.ChoreID, f.FillID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("folding fill %s/%s: %w", f.ChoreID, f.FillID, err)
	}

	filled += f.Qty
	total := decimal.NewFromFloat(notional).Add(decimal.NewFromFloat(f.Px).Mul(decimal.NewFromInt(f.Qty)))
	avg := decimal.Zero
	if filled > 0 {
		avg = total.Div(decimal.NewFromInt(filled))
	}

	st := domain.ChoreStatusType(status)
	switch {
	case st == domain.StatusDOD:
		// A fill trailing the terminal event shrinks the cancelled remainder.
		cxlQty = max(qty-filled, 0)
		cxlNtl = decimal.NewFromFloat(px).Mul(decimal.NewFromInt(cxlQty)).InexactFloat64()
	case filled >= qty:
		st = domain.StatusFilled
	}

	_, err = tx.ExecContext(ctx, `UPDATE chore_snapshot SET
		status = ?, filled_qty = ?, avg_fill_px = ?, fill_notional = ?,
		last_update_fill_qty = ?, last_update_fill_px = ?,
		cxl_qty = ?, cxl_notional = ?, last_update_time = ?
		WHERE chore_id = ?`,
		string(st), filled, avg.InexactFloat64(), total.InexactFloat64(),
		f.Qty, f.Px, cxlQty, cxlNtl, at, f.ChoreID,
	)
	if err != nil {
		return fmt.Errorf("folding fill %s/%s: %w", f.ChoreID, f.FillID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const snapshotCols = `chore_id, sec_id, sec_id_source, inst_type, side, px, qty, notional, account, exchange, text,
	status, filled_qty, avg_fill_px, fill_notional, last_update_fill_qty, last_update_fill_px,
	cxl_qty, avg_cxl_px, cxl_notional, create_time, last_update_time`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r scanner) (domain.ChoreSnapshot, error) {
	var (
		s                                domain.ChoreSnapshot
		source, inst, side, text, status string
		created, updated                 int64
	)
	err := r.Scan(&s.Chore.ChoreID, &s.Chore.Security.SystemID, &source, &inst, &side,
		&s.Chore.Px, &s.Chore.Qty, &s.Chore.Notional, &s.Chore.Account, &s.Chore.Exchange, &text,
		&status, &s.FilledQty, &s.AvgFillPx, &s.FillNotional, &s.LastUpdateFillQty, &s.LastUpdateFillPx,
		&s.CxlQty, &s.AvgCxlPx, &s.CxlNotional, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("scanning snapshot: %w", err)
	}
	s.Chore.Security.Source = source
	s.Chore.Security.InstType = domain.InstrumentType(inst)
	s.Chore.Side = domain.Side(side)
	s.Chore.Text = decodeText(text)
	s.Status = domain.ChoreStatusType(status)
	s.CreateTime = fromNanos(created)
	s.LastUpdateTime = fromNanos(updated)
	return s, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeText(text []string) (string, error) {
	if len(text) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(text)
	if err != nil {
		return "", fmt.Errorf("encoding chore text: %w", err)
	}
	return string(b), nil
}

func decodeText(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
