package rollup

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/parquet"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

// Table is the summary table file, one row per month in ascending order.
type Table struct {
	mu   sync.Mutex
	path string
	opts parquet.Options
}

// NewTable returns the summary table stored at path.
func NewTable(path string, opts parquet.Options) *Table {
	return &Table{path: path, opts: opts}
}

// Path returns the file path of the table.
func (t *Table) Path() string {
	return t.path
}

// Exists reports whether the table file exists.
func (t *Table) Exists() bool {
	_, err := os.Stat(t.path)
	return err == nil
}

// All returns every row in ascending month order. A missing table returns
// an error wrapping errors.ErrNoData.
func (t *Table) All() ([]types.Summary, error) {
	rows, err := parquet.ReadSummariesFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("summary table: %w", errors.ErrNoData)
		}
		return nil, errors.NewPartitionError("read", t.path, err)
	}
	return rows, nil
}

// Upsert replaces the row of s.Month, or inserts it, and rewrites the
// table atomically.
func (t *Table) Upsert(s types.Summary) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.All()
	if err != nil && !errors.Is(err, errors.ErrNoData) {
		return err
	}

	replaced := false
	for i := range rows {
		if rows[i].Month == s.Month {
			rows[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, s)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Month.Before(rows[j].Month) })

	err = parquet.WriteFileAtomic(t.path, func(w io.Writer) error {
		return parquet.WriteSummaries(w, rows, t.opts)
	})
	return errors.NewPartitionError("write", t.path, err)
}
