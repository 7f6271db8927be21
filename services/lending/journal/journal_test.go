package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"lendpool/core/events"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestJournalArchivesEvents(t *testing.T) {
	j := New(setupTestDB(t), nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	j.Emit(events.LendingDeposit{PoolID: "p1", Owner: "alice", Amount: 10, Balance: 10})
	j.Emit(events.LendingBorrow{PoolID: "p1", LoanID: "l1", Borrower: "bob", CollateralRef: "c", Amount: 5, InterestRate: 10})
	j.Emit(events.LendingRepay{PoolID: "p1", LoanID: "l1", Payer: "bob", Amount: 5, PrincipalPaid: 5, Status: "repaid"})
	j.Emit(events.LendingDeposit{PoolID: "p2", Owner: "carol", Amount: 1, Balance: 1})

	all, err := j.List(context.Background(), Filter{PoolID: "p1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, events.TypeLendingRepay, all[0].Type)
	require.Equal(t, "repaid", all[0].Attributes["status"])

	byLoan, err := j.List(context.Background(), Filter{LoanID: "l1", Type: events.TypeLendingBorrow})
	require.NoError(t, err)
	require.Len(t, byLoan, 1)
	require.Equal(t, "bob", byLoan[0].Attributes["borrower"])
}

func TestJournalExportsParquet(t *testing.T) {
	j := New(setupTestDB(t), nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	j.Emit(events.LendingDeposit{PoolID: "p1", Owner: "alice", Amount: 10, Balance: 10})
	j.Emit(events.LendingBorrow{PoolID: "p1", LoanID: "l1", Borrower: "bob", CollateralRef: "c", Amount: 5, InterestRate: 10})
	j.Emit(events.LendingDeposit{PoolID: "p2", Owner: "carol", Amount: 1, Balance: 1})

	path := filepath.Join(t.TempDir(), "events.parquet")
	written, err := j.Export(context.Background(), path, Filter{PoolID: "p1"})
	require.NoError(t, err)
	require.Equal(t, 2, written)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(exportRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())

	rows := make([]exportRow, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, events.TypeLendingDeposit, rows[0].Type)
	require.Equal(t, "l1", rows[1].LoanID)
	require.Contains(t, rows[1].Attributes, `"borrower":"bob"`)
}
