// Package usage persists provider token usage as an append-only
// JSON-lines ledger under the content root.
package usage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

// Ledger appends one JSON line per usage record. A mutex serializes
// writers within the process; O_APPEND keeps lines whole on disk.
type Ledger struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewLedger(path string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Ledger{path: path, logger: logger}
}

// Append writes the given records. Records without a timestamp are
// stamped on the way in.
func (l *Ledger) Append(ctx context.Context, records ...schema.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindCancelled, "append usage", err)
	}
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range records {
		if rec.At == 0 {
			rec.At = schema.NowMillis()
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "marshal usage record", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, "create ledger dir", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "open usage ledger", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return errs.Wrap(errs.KindInternal, "write usage ledger", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.KindInternal, "sync usage ledger", err)
	}
	return errs.Wrap(errs.KindInternal, "close usage ledger", f.Close())
}

// All returns every readable record in file order. Unparsable lines,
// such as a torn final write, are skipped with a warning.
func (l *Ledger) All(ctx context.Context) ([]schema.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, "read usage", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "open usage ledger", err)
	}
	defer f.Close()

	var records []schema.UsageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec schema.UsageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			l.logger.Warn("skipping unreadable usage line", "line", lineNo, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "scan usage ledger", err)
	}
	return records, nil
}

// Totals summarizes the ledger.
type Totals struct {
	Records          int            `json:"records"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	TotalTokens      int            `json:"totalTokens"`
	Cost             float64        `json:"cost"`
	ByKind           map[string]int `json:"byKind,omitempty"`
}

// Totals folds the ledger, optionally restricted to one model.
func (l *Ledger) Totals(ctx context.Context, model string) (*Totals, error) {
	records, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	totals := &Totals{ByKind: map[string]int{}}
	for _, rec := range records {
		if model != "" && rec.Model != model {
			continue
		}
		totals.Records++
		totals.PromptTokens += rec.PromptTokens
		totals.CompletionTokens += rec.CompletionTokens
		totals.TotalTokens += rec.TotalTokens
		if rec.Cost != nil {
			totals.Cost += *rec.Cost
		}
		if rec.Kind != "" {
			totals.ByKind[rec.Kind]++
		}
	}
	return totals, nil
}
