package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"restops/internal/domain"
	"restops/internal/store"
)

func TestCountRequestsWithinWindow(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	now := time.Now().UTC()
	_ = st.RecordRequest(ctx, "authorize", "user-1", now.Add(-2*time.Minute))
	_ = st.RecordRequest(ctx, "authorize", "user-1", now.Add(-10*time.Second))
	_ = st.RecordRequest(ctx, "authorize", "user-2", now)
	_ = st.RecordRequest(ctx, "refresh", "user-1", now)

	n, err := st.CountRequests(ctx, "authorize", "user-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record in window, got %d", n)
	}

	pruned, _ := st.PruneRequests(ctx, now.Add(-time.Minute))
	if pruned != 1 {
		t.Fatalf("expected 1 pruned record, got %d", pruned)
	}
}

func TestInsertKeyRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	if err := st.InsertKey(ctx, "k-1", time.Now()); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := st.InsertKey(ctx, "k-1", time.Now()); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	exists, _ := st.KeyExists(ctx, "k-1")
	if !exists {
		t.Fatal("expected key to exist")
	}
}

func TestCreateAccountEnforcesUniqueMerchant(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	acct, err := st.CreateAccount(ctx, domain.ExternalAccount{MerchantID: "M1", IsActive: true}, "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.CreateAccount(ctx, domain.ExternalAccount{MerchantID: "M1"}, "user-2"); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	list, _ := st.ListAccountsFor(ctx, "user-1")
	if len(list) != 1 || list[0].ID != acct.ID {
		t.Fatalf("owner should see the new account: %+v", list)
	}
	if others, _ := st.ListAccountsFor(ctx, "user-2"); len(others) != 0 {
		t.Fatalf("rejected duplicate must not grant access: %+v", others)
	}
	if err := st.GrantAccountAccess(ctx, acct.ID, "user-2"); err != nil {
		t.Fatalf("grant access: %v", err)
	}
	if others, _ := st.ListAccountsFor(ctx, "user-2"); len(others) != 1 || others[0].MerchantID != "M1" {
		t.Fatalf("unexpected accounts after grant: %+v", others)
	}
}

func TestListAuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	_ = st.AppendAudit(ctx, domain.AuditEntry{Action: "first"})
	_ = st.AppendAudit(ctx, domain.AuditEntry{Action: "second"})
	entries, _ := st.ListAudit(ctx, 10)
	if len(entries) != 2 || entries[0].Action != "second" {
		t.Fatalf("unexpected audit order: %+v", entries)
	}
}
