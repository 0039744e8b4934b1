package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// EventRecord is the Parquet schema for archived ledger events. The risk
// decision is nested JSON flattened to a string column.
type EventRecord struct {
	Seq             int64  `parquet:"seq"`
	EventType       string `parquet:"event_type"`
	OrderID         string `parquet:"order_id"`
	BeforeState     string `parquet:"before_state"`
	AfterState      string `parquet:"after_state"`
	TriggeringEvent string `parquet:"triggering_event"`
	RiskDecision    string `parquet:"risk_decision"`
	ReasonCode      string `parquet:"reason_code"`
	Detail          string `parquet:"detail"`
	Attempt         int32  `parquet:"attempt"`
	Timestamp       int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ParquetArchiver exports ledger streams to Parquet files for telemetry
// consumers.
type ParquetArchiver struct {
	DataDir string
}

// NewParquetArchiver creates a ParquetArchiver rooted at the given data
// directory.
func NewParquetArchiver(dataDir string) *ParquetArchiver {
	return &ParquetArchiver{DataDir: dataDir}
}

// Archive replays the ledger into <DataDir>/ledger/<name>.parquet and
// returns the number of events written.
func (a *ParquetArchiver) Archive(ctx context.Context, l Ledger, name string) (int, error) {
	var records []EventRecord
	err := l.Replay(ctx, func(ev Event) error {
		rec := EventRecord{
			Seq:             ev.Seq,
			EventType:       string(ev.Type),
			OrderID:         ev.OrderID,
			BeforeState:     string(ev.Before),
			AfterState:      string(ev.After),
			TriggeringEvent: string(ev.TriggeringEvent),
			ReasonCode:      ev.ReasonCode,
			Detail:          ev.Detail,
			Attempt:         int32(ev.Attempt),
			Timestamp:       ev.TSUTC.UnixMilli(),
		}
		if ev.RiskDecision != nil {
			b, err := json.Marshal(ev.RiskDecision)
			if err != nil {
				return err
			}
			rec.RiskDecision = string(b)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	path := a.archivePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return 0, fmt.Errorf("writing ledger archive %s: %w", path, err)
	}
	return len(records), nil
}

// ReadArchive loads a previously written archive. Telemetry consumers use
// this to rebuild order history offline.
func (a *ParquetArchiver) ReadArchive(name string) ([]EventRecord, error) {
	return parquet.ReadFile[EventRecord](a.archivePath(name))
}

// archivePath returns the filesystem path for an archive name.
// Layout: <DataDir>/ledger/<name>.parquet
func (a *ParquetArchiver) archivePath(name string) string {
	return filepath.Join(a.DataDir, "ledger", name+".parquet")
}
