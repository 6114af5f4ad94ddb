package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"chorelink/internal/domain"
)

// ParquetArchive exports ledger entries to Parquet files, one directory per
// trading day.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new ParquetArchive rooted at the given data
// directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// ChoreLedgerRecord is the Parquet schema for chore events.
type ChoreLedgerRecord struct {
	ID        int64   `parquet:"id"`
	ChoreID   string  `parquet:"chore_id"`
	Symbol    string  `parquet:"symbol"`
	Source    string  `parquet:"sec_id_source"`
	InstType  string  `parquet:"inst_type"`
	Side      string  `parquet:"side"`
	Px        float64 `parquet:"px"`
	Qty       int64   `parquet:"qty"`
	Notional  float64 `parquet:"notional"`
	Account   string  `parquet:"account"`
	Exchange  string  `parquet:"exchange"`
	Text      string  `parquet:"text"`
	Event     string  `parquet:"event"`
	EventTime int64   `parquet:"event_time,timestamp(millisecond)"` // Unix ms
}

// FillLedgerRecord is the Parquet schema for executions.
type FillLedgerRecord struct {
	ID           int64   `parquet:"id"`
	ChoreID      string  `parquet:"chore_id"`
	FillID       string  `parquet:"fill_id"`
	Px           float64 `parquet:"px"`
	Qty          int64   `parquet:"qty"`
	Notional     float64 `parquet:"notional"`
	Symbol       string  `parquet:"symbol"`
	Side         string  `parquet:"side"`
	Account      string  `parquet:"account"`
	FillTime     int64   `parquet:"fill_time,timestamp(millisecond)"` // Unix ms
	CumFilledQty int64   `parquet:"cum_filled_qty"`
}

// ArchiveResult counts what one Archive call wrote.
type ArchiveResult struct {
	Date         string `json:"date"`
	ChoreEntries int    `json:"chore_entries"`
	FillEntries  int    `json:"fill_entries"`
}

// Archive copies one UTC day of ledger entries from src into the archive.
// Re-archiving a day merges by ledger id.
func (a *ParquetArchive) Archive(ctx context.Context, src LedgerReader, day time.Time) (ArchiveResult, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	res := ArchiveResult{Date: start.Format("2006-01-02")}

	chores, err := src.ChoreLedgerBetween(ctx, start, end)
	if err != nil {
		return res, fmt.Errorf("archiving %s: %w", res.Date, err)
	}
	fills, err := src.FillLedgerBetween(ctx, start, end)
	if err != nil {
		return res, fmt.Errorf("archiving %s: %w", res.Date, err)
	}
	if err := a.WriteChoreLedger(start, chores); err != nil {
		return res, err
	}
	if err := a.WriteFillLedger(start, fills); err != nil {
		return res, err
	}
	res.ChoreEntries = len(chores)
	res.FillEntries = len(fills)
	return res, nil
}

// WriteChoreLedger merges chore events into the day's file at:
//
//	<DataDir>/ledger/<YYYY-MM-DD>/chore_ledger.parquet
func (a *ParquetArchive) WriteChoreLedger(day time.Time, entries []domain.ChoreLedger) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]ChoreLedgerRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, ChoreLedgerRecord{
			ID:        e.ID,
			ChoreID:   e.Chore.ChoreID,
			Symbol:    e.Chore.Security.SystemID,
			Source:    e.Chore.Security.Source,
			InstType:  string(e.Chore.Security.InstType),
			Side:      string(e.Chore.Side),
			Px:        e.Chore.Px,
			Qty:       e.Chore.Qty,
			Notional:  e.Chore.Notional,
			Account:   e.Chore.Account,
			Exchange:  e.Chore.Exchange,
			Text:      strings.Join(e.Chore.Text, "\n"),
			Event:     string(e.Event),
			EventTime: e.EventTime.UnixMilli(),
		})
	}
	path := a.ledgerPath(day, "chore_ledger")
	existing, _ := readParquetFile[ChoreLedgerRecord](path)
	merged := mergeByID(existing, records, func(r ChoreLedgerRecord) int64 { return r.ID })
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing chore ledger for %s: %w", day.Format("2006-01-02"), err)
	}
	return nil
}

// WriteFillLedger merges fills into the day's file at:
//
//	<DataDir>/ledger/<YYYY-MM-DD>/fill_ledger.parquet
func (a *ParquetArchive) WriteFillLedger(day time.Time, entries []domain.FillLedger) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]FillLedgerRecord, 0, len(entries))
	for _, f := range entries {
		records = append(records, FillLedgerRecord{
			ID:           f.ID,
			ChoreID:      f.ChoreID,
			FillID:       f.FillID,
			Px:           f.Px,
			Qty:          f.Qty,
			Notional:     f.Notional,
			Symbol:       f.Symbol,
			Side:         string(f.Side),
			Account:      f.Account,
			FillTime:     f.FillTime.UnixMilli(),
			CumFilledQty: f.CumFilledQty,
		})
	}
	path := a.ledgerPath(day, "fill_ledger")
	existing, _ := readParquetFile[FillLedgerRecord](path)
	merged := mergeByID(existing, records, func(r FillLedgerRecord) int64 { return r.ID })
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing fill ledger for %s: %w", day.Format("2006-01-02"), err)
	}
	return nil
}

// ReadChoreLedger returns the archived chore events for a day.
func (a *ParquetArchive) ReadChoreLedger(day time.Time) ([]domain.ChoreLedger, error) {
	records, err := readParquetFile[ChoreLedgerRecord](a.ledgerPath(day, "chore_ledger"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.ChoreLedger, 0, len(records))
	for _, r := range records {
		var text []string
		if r.Text != "" {
			text = strings.Split(r.Text, "\n")
		}
		out = append(out, domain.ChoreLedger{
			ID: r.ID,
			Chore: domain.ChoreBrief{
				ChoreID:  r.ChoreID,
				Security: domain.SecurityRef{SystemID: r.Symbol, Source: r.Source, InstType: domain.InstrumentType(r.InstType)},
				Side:     domain.Side(r.Side),
				Px:       r.Px,
				Qty:      r.Qty,
				Notional: r.Notional,
				Account:  r.Account,
				Exchange: r.Exchange,
				Text:     text,
			},
			EventTime: time.UnixMilli(r.EventTime).UTC(),
			Event:     domain.ChoreEventType(r.Event),
		})
	}
	return out, nil
}

// ReadFillLedger returns the archived fills for a day.
func (a *ParquetArchive) ReadFillLedger(day time.Time) ([]domain.FillLedger, error) {
	records, err := readParquetFile[FillLedgerRecord](a.ledgerPath(day, "fill_ledger"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.FillLedger, 0, len(records))
	for _, r := range records {
		out = append(out, domain.FillLedger{
			ID:           r.ID,
			ChoreID:      r.ChoreID,
			FillID:       r.FillID,
			Px:           r.Px,
			Qty:          r.Qty,
			Notional:     r.Notional,
			Symbol:       r.Symbol,
			Side:         domain.Side(r.Side),
			Account:      r.Account,
			FillTime:     time.UnixMilli(r.FillTime).UTC(),
			CumFilledQty: r.CumFilledQty,
		})
	}
	return out, nil
}

// ListDays returns the archived days in ascending order.
func (a *ParquetArchive) ListDays() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.DataDir, "ledger"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() {
			days = append(days, e.Name())
		}
	}
	sort.Strings(days)
	return days, nil
}

// ledgerPath returns the filesystem path for one ledger file.
// Layout: <dataDir>/ledger/<YYYY-MM-DD>/<name>.parquet
func (a *ParquetArchive) ledgerPath(day time.Time, name string) string {
	return filepath.Join(a.DataDir, "ledger", day.UTC().Format("2006-01-02"), name+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeByID deduplicates records by ledger id, preferring incoming records
// over existing ones. Results are sorted by id.
func mergeByID[T any](existing, incoming []T, id func(T) int64) []T {
	seen := make(map[int64]T, len(existing)+len(incoming))
	for _, r := range existing {
		seen[id(r)] = r
	}
	for _, r := range incoming {
		seen[id(r)] = r
	}
	merged := make([]T, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return id(merged[i]) < id(merged[j]) })
	return merged
}
