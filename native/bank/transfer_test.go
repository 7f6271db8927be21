package bank

import (
	"context"
	"errors"
	"math"
	"testing"

	"lendpool/native/lending"
	"lendpool/storage"
)

func TestTransferMovesFunds(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	if err := ledger.Credit(ctx, "alice", "usdc", 500); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Transfer(ctx, lending.Transfer{From: "alice", To: "vault", Asset: "USDC", Amount: 200}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got, _ := ledger.Balance(ctx, "alice", "USDC"); got != 300 {
		t.Fatalf("expected alice to hold 300, got %d", got)
	}
	if got, _ := ledger.Balance(ctx, "vault", "usdc"); got != 200 {
		t.Fatalf("expected vault to hold 200, got %d", got)
	}
}

func TestTransferIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	_ = ledger.Credit(ctx, "alice", "USDC", 100)
	_ = ledger.Credit(ctx, "bob", "SOL", 10)

	err := ledger.Transfer(ctx,
		lending.Transfer{From: "alice", To: "vault", Asset: "USDC", Amount: 100},
		lending.Transfer{From: "bob", To: "alice", Asset: "SOL", Amount: 11},
	)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got, _ := ledger.Balance(ctx, "alice", "USDC"); got != 100 {
		t.Fatalf("first leg must not apply when the batch fails, alice holds %d", got)
	}
	if got, _ := ledger.Balance(ctx, "vault", "USDC"); got != 0 {
		t.Fatalf("vault must stay empty, holds %d", got)
	}
}

func TestTransferChainsLegs(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	_ = ledger.Credit(ctx, "alice", "USDC", 50)
	err := ledger.Transfer(ctx,
		lending.Transfer{From: "alice", To: "bob", Asset: "USDC", Amount: 50},
		lending.Transfer{From: "bob", To: "carol", Asset: "USDC", Amount: 50},
	)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got, _ := ledger.Balance(ctx, "carol", "USDC"); got != 50 {
		t.Fatalf("expected carol to hold 50, got %d", got)
	}
}

func TestCreditOverflow(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	if err := ledger.Credit(ctx, "alice", "USDC", math.MaxUint64); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Credit(ctx, "alice", "USDC", 1); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
}

func TestTransferRejectsInvalidLegs(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	err := ledger.Transfer(context.Background(), lending.Transfer{From: "alice", To: "", Asset: "USDC", Amount: 1})
	if !errors.Is(err, ErrInvalidTransfer) {
		t.Fatalf("expected ErrInvalidTransfer, got %v", err)
	}
}

func TestCommitWritesStagedRecordsWithLegs(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	_ = ledger.Credit(ctx, "alice", "USDC", 100)

	err := ledger.Commit(ctx, []lending.Transfer{{From: "alice", To: "vault", Asset: "USDC", Amount: 60}}, func(batch storage.Batch) error {
		batch.Put([]byte("record"), []byte{1})
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got, _ := ledger.Balance(ctx, "vault", "USDC"); got != 60 {
		t.Fatalf("expected vault to hold 60, got %d", got)
	}
	if ok, _ := db.Has([]byte("record")); !ok {
		t.Fatalf("staged record missing after commit")
	}

	err = ledger.Commit(ctx, []lending.Transfer{{From: "alice", To: "vault", Asset: "USDC", Amount: 41}}, func(batch storage.Batch) error {
		t.Fatalf("stage must not run when a leg is rejected")
		return nil
	})
	if !errors.Is(err, lending.ErrTransferFailed) || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrTransferFailed wrapping ErrInsufficientFunds, got %v", err)
	}
}

func TestCommitStageFailureDropsLegs(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	_ = ledger.Credit(ctx, "alice", "USDC", 100)

	cause := errors.New("encode failed")
	err := ledger.Commit(ctx, []lending.Transfer{{From: "alice", To: "vault", Asset: "USDC", Amount: 100}}, func(batch storage.Batch) error {
		batch.Put([]byte("record"), []byte{1})
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if errors.Is(err, lending.ErrTransferFailed) {
		t.Fatalf("stage failures are not ledger rejections: %v", err)
	}
	if got, _ := ledger.Balance(ctx, "alice", "USDC"); got != 100 {
		t.Fatalf("legs must not land when staging fails, alice holds %d", got)
	}
	if ok, _ := db.Has([]byte("record")); ok {
		t.Fatalf("staged record must not land when staging fails")
	}
}
