package testutil

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/HammerMeetNail/slotswap/internal/database"
)

// FakeDB implements database.DB with overridable funcs. A nil func returns
// a zero result.
type FakeDB struct {
	ExecFunc     func(ctx context.Context, sql string, args ...any) (database.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (database.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) database.Row
	BeginFunc    func(ctx context.Context) (database.Tx, error)
}

func (f *FakeDB) Exec(ctx context.Context, sql string, args ...any) (database.CommandTag, error) {
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, sql, args...)
	}
	return FakeCommandTag{}, nil
}

func (f *FakeDB) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	if f.QueryFunc != nil {
		return f.QueryFunc(ctx, sql, args...)
	}
	return &FakeRows{}, nil
}

func (f *FakeDB) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	if f.QueryRowFunc != nil {
		return f.QueryRowFunc(ctx, sql, args...)
	}
	return FakeRow{ScanFunc: func(dest ...any) error { return ErrNoRows }}
}

func (f *FakeDB) Begin(ctx context.Context) (database.Tx, error) {
	if f.BeginFunc != nil {
		return f.BeginFunc(ctx)
	}
	return &FakeTx{DB: f}, nil
}

// FakeTx implements database.Tx. Statements fall through to DB when set.
type FakeTx struct {
	DB           *FakeDB
	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error

	Committed  bool
	RolledBack bool
}

func (t *FakeTx) Exec(ctx context.Context, sql string, args ...any) (database.CommandTag, error) {
	if t.DB == nil {
		return FakeCommandTag{}, nil
	}
	return t.DB.Exec(ctx, sql, args...)
}

func (t *FakeTx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	if t.DB == nil {
		return &FakeRows{}, nil
	}
	return t.DB.Query(ctx, sql, args...)
}

func (t *FakeTx) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	if t.DB == nil {
		return FakeRow{ScanFunc: func(dest ...any) error { return ErrNoRows }}
	}
	return t.DB.QueryRow(ctx, sql, args...)
}

func (t *FakeTx) Commit(ctx context.Context) error {
	if t.CommitFunc != nil {
		if err := t.CommitFunc(ctx); err != nil {
			return err
		}
	}
	t.Committed = true
	return nil
}

func (t *FakeTx) Rollback(ctx context.Context) error {
	t.RolledBack = true
	if t.RollbackFunc != nil {
		return t.RollbackFunc(ctx)
	}
	return nil
}

// ErrNoRows is returned by an unset QueryRowFunc. Code under test that
// checks pgx.ErrNoRows should be fed pgx.ErrNoRows explicitly instead.
var ErrNoRows = errors.New("testutil: no rows")

type FakeRow struct {
	ScanFunc func(dest ...any) error
}

func (r FakeRow) Scan(dest ...any) error {
	if r.ScanFunc == nil {
		return nil
	}
	return r.ScanFunc(dest...)
}

// RowFromValues returns a row that scans values into the destinations in
// order.
func RowFromValues(values ...any) FakeRow {
	return FakeRow{ScanFunc: func(dest ...any) error {
		return assignAll(dest, values)
	}}
}

// RowWithError returns a row whose Scan fails with err.
func RowWithError(err error) FakeRow {
	return FakeRow{ScanFunc: func(dest ...any) error { return err }}
}

type FakeRows struct {
	Rows    [][]any
	ScanErr error
	ErrErr  error

	idx    int
	Closed bool
}

func (r *FakeRows) Next() bool {
	if r.idx >= len(r.Rows) {
		return false
	}
	r.idx++
	return true
}

func (r *FakeRows) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	if r.idx == 0 || r.idx > len(r.Rows) {
		return errors.New("testutil: scan called without a current row")
	}
	return assignAll(dest, r.Rows[r.idx-1])
}

func (r *FakeRows) Close() {
	r.Closed = true
}

func (r *FakeRows) Err() error {
	return r.ErrErr
}

type FakeCommandTag struct {
	Affected int64
}

func (t FakeCommandTag) RowsAffected() int64 {
	return t.Affected
}

func assignAll(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("testutil: scanning %d values into %d destinations", len(values), len(dest))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("testutil: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, value any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dest)
	}
	target := dv.Elem()
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(v)
		target.Set(p)
	case v.Kind() == target.Kind() && v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", value, target.Type())
	}
	return nil
}
