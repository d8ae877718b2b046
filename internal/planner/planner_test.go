package planner

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/cryoforge/dispatcher/internal/store"
)

func newMockChainSyncStore(t *testing.T) (pgxmock.PgxPoolIface, *store.ChainSyncStore) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, store.NewChainSyncStore(store.New(pool, nil))
}

// expectFreshPlanRun wires the full mock sequence for a plan run that starts
// with an empty cursor and schedules n brand-new, non-colliding ranges.
func expectFreshPlanRun(pool pgxmock.PgxPoolIface, chainID int64, fromBlock, finalNextBlock uint64, n int) {
	pool.ExpectBegin()
	cursorRows := pgxmock.NewRows([]string{"next_block"}).AddRow(uint64(0))
	pool.ExpectQuery("INSERT INTO dispatcher.chain_cursors").
		WithArgs(chainID, fromBlock).
		WillReturnRows(cursorRows)

	countRows := pgxmock.NewRows([]string{"count"}).AddRow(0)
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM dispatcher.chain_ranges").
		WithArgs(chainID, "completed").
		WillReturnRows(countRows)

	for i := 0; i < n; i++ {
		pool.ExpectExec("INSERT INTO dispatcher.chain_ranges").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		pool.ExpectExec("INSERT INTO dispatcher.tasks").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		pool.ExpectExec("INSERT INTO dispatcher.outbox").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	pool.ExpectExec("UPDATE dispatcher.chain_cursors SET next_block").
		WithArgs(finalNextBlock, chainID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()
}

func TestPlanSchedulesRangesUpToChunkBoundary(t *testing.T) {
	pool, cs := newMockChainSyncStore(t)
	p := New(cs, "task_wakeup_queue", nil)

	expectFreshPlanRun(pool, 42, 0, 3000, 3)

	result, err := p.Plan(context.Background(), Request{
		ChainID: 42, FromBlock: 0, ToBlock: 3000, ChunkSize: 1000, MaxInflight: 10,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if result.ScheduledRanges != 3 || result.NextBlock != 3000 {
		t.Fatalf("Plan() result = %+v, want {3 3000}", result)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPlanStopsAtMaxInflightBudget(t *testing.T) {
	pool, cs := newMockChainSyncStore(t)
	p := New(cs, "task_wakeup_queue", nil)

	pool.ExpectBegin()
	cursorRows := pgxmock.NewRows([]string{"next_block"}).AddRow(uint64(0))
	pool.ExpectQuery("INSERT INTO dispatcher.chain_cursors").
		WithArgs(int64(42), uint64(0)).
		WillReturnRows(cursorRows)

	countRows := pgxmock.NewRows([]string{"count"}).AddRow(8)
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM dispatcher.chain_ranges").
		WillReturnRows(countRows)

	for i := 0; i < 2; i++ {
		pool.ExpectExec("INSERT INTO dispatcher.chain_ranges").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		pool.ExpectExec("INSERT INTO dispatcher.tasks").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		pool.ExpectExec("INSERT INTO dispatcher.outbox").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	pool.ExpectExec("UPDATE dispatcher.chain_cursors SET next_block").
		WithArgs(uint64(2000), int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	result, err := p.Plan(context.Background(), Request{
		ChainID: 42, FromBlock: 0, ToBlock: 10000, ChunkSize: 1000, MaxInflight: 10,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if result.ScheduledRanges != 2 || result.NextBlock != 2000 {
		t.Fatalf("Plan() result = %+v, want {2 2000} (budget of 2 remaining after 8 inflight)", result)
	}
}

func TestPlanIsIdempotentOnSecondCallAfterFullySchedulingWindow(t *testing.T) {
	pool, cs := newMockChainSyncStore(t)
	p := New(cs, "task_wakeup_queue", nil)

	pool.ExpectBegin()
	cursorRows := pgxmock.NewRows([]string{"next_block"}).AddRow(uint64(3000))
	pool.ExpectQuery("INSERT INTO dispatcher.chain_cursors").
		WithArgs(int64(42), uint64(0)).
		WillReturnRows(cursorRows)

	countRows := pgxmock.NewRows([]string{"count"}).AddRow(3)
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM dispatcher.chain_ranges").
		WillReturnRows(countRows)

	pool.ExpectExec("UPDATE dispatcher.chain_cursors SET next_block").
		WithArgs(uint64(3000), int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	result, err := p.Plan(context.Background(), Request{
		ChainID: 42, FromBlock: 0, ToBlock: 3000, ChunkSize: 1000, MaxInflight: 10,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if result.ScheduledRanges != 0 || result.NextBlock != 3000 {
		t.Fatalf("second Plan() result = %+v, want {0 3000} once the window is already fully scheduled", result)
	}
}

func TestPlanAdvancesPastCollidingRangeWithoutDoubleScheduling(t *testing.T) {
	pool, cs := newMockChainSyncStore(t)
	p := New(cs, "task_wakeup_queue", nil)

	pool.ExpectBegin()
	cursorRows := pgxmock.NewRows([]string{"next_block"}).AddRow(uint64(0))
	pool.ExpectQuery("INSERT INTO dispatcher.chain_cursors").
		WithArgs(int64(42), uint64(0)).
		WillReturnRows(cursorRows)

	countRows := pgxmock.NewRows([]string{"count"}).AddRow(0)
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM dispatcher.chain_ranges").
		WillReturnRows(countRows)

	// First chunk collides (already scheduled by a concurrent planner run).
	pool.ExpectExec("INSERT INTO dispatcher.chain_ranges").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	// Second chunk is fresh.
	pool.ExpectExec("INSERT INTO dispatcher.chain_ranges").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("INSERT INTO dispatcher.tasks").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("INSERT INTO dispatcher.outbox").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	pool.ExpectExec("UPDATE dispatcher.chain_cursors SET next_block").
		WithArgs(uint64(2000), int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	result, err := p.Plan(context.Background(), Request{
		ChainID: 42, FromBlock: 0, ToBlock: 2000, ChunkSize: 1000, MaxInflight: 10,
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if result.ScheduledRanges != 1 || result.NextBlock != 2000 {
		t.Fatalf("Plan() result = %+v, want {1 2000} (one collision advances the cursor without scheduling)", result)
	}
}

func TestPlanRejectsInvalidRequestWithoutTouchingTheStore(t *testing.T) {
	pool, cs := newMockChainSyncStore(t)
	p := New(cs, "task_wakeup_queue", nil)

	_, err := p.Plan(context.Background(), Request{
		ChainID: 42, FromBlock: 1000, ToBlock: 500, ChunkSize: 1000, MaxInflight: 10,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Plan() error = %v, want errors.Is(err, ErrInvalidRequest)", err)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v (validate() failure must short-circuit before BeginPlan)", err)
	}
}
