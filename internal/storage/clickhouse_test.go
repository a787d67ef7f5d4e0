package storage

import (
	"errors"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindRow struct {
	kind  string
	count uint64
}

// fakeRows serves fixed rows and then reports err.
type fakeRows struct {
	driver.Rows
	rows   []kindRow
	pos    int
	err    error
	closed bool
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	r := f.rows[f.pos-1]
	*dest[0].(*string) = r.kind
	*dest[1].(*uint64) = r.count
	return nil
}

func (f *fakeRows) Err() error   { return f.err }
func (f *fakeRows) Close() error { f.closed = true; return nil }

func TestScanKindCounts(t *testing.T) {
	rows := &fakeRows{rows: []kindRow{{"beacon", 2}, {"sitrep", 7}}}
	got := make(map[string]uint64)
	require.NoError(t, scanKindCounts(rows, got))
	assert.Equal(t, map[string]uint64{"beacon": 2, "sitrep": 7}, got)
	assert.True(t, rows.closed)
}

func TestScanKindCountsReportsIterationError(t *testing.T) {
	broken := errors.New("read: connection reset")
	rows := &fakeRows{rows: []kindRow{{"sitrep", 7}}, err: broken}
	err := scanKindCounts(rows, make(map[string]uint64))
	assert.ErrorIs(t, err, broken)
	assert.True(t, rows.closed)
}
