package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/soaportal/pkg/models"
)

func seedStatement(t *testing.T, m *MemoryBackend) *models.Statement {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Name: "Jane Patient", Email: fmt.Sprintf("p%d@example.com", time.Now().UnixNano()), Role: models.RolePatient}
	if err := m.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	st := &models.Statement{
		UserID:      u.ID,
		TotalAmount: 15000,
		Status:      models.StatementIssued,
		Services:    []models.Service{{Description: "Consultation", Amount: 15000}},
	}
	if err := m.CreateStatement(ctx, st); err != nil {
		t.Fatalf("CreateStatement: %v", err)
	}
	return st
}

func TestMemoryBackend_StatementNumbering(t *testing.T) {
	m := NewMemoryBackend()
	a := seedStatement(t, m)
	b := seedStatement(t, m)
	if a.StatementNumber != "SOA-00000001" || b.StatementNumber != "SOA-00000002" {
		t.Errorf("numbers = %s, %s", a.StatementNumber, b.StatementNumber)
	}

	got, err := m.GetStatement(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetStatement: %v", err)
	}
	if got.Patient == nil || got.Patient.ID != b.UserID {
		t.Errorf("expected patient to be attached")
	}
	if len(got.Services) != 1 || got.Services[0].StatementID != b.ID {
		t.Errorf("services = %+v", got.Services)
	}
}

func TestMemoryBackend_CapabilityOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	st := seedStatement(t, m)
	exp := time.Now().Add(time.Hour)

	if err := m.IssueCapability(ctx, &models.CapabilityRecord{StatementID: st.ID, TokenHash: "h1", ExpiresAt: exp}); err != nil {
		t.Fatalf("issue 1: %v", err)
	}
	if err := m.IssueCapability(ctx, &models.CapabilityRecord{StatementID: st.ID, TokenHash: "h2", ExpiresAt: exp}); err != nil {
		t.Fatalf("issue 2: %v", err)
	}
	if _, err := m.GetCapabilityByTokenHash(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("superseded hash: expected ErrNotFound, got %v", err)
	}
	rec, err := m.GetCapabilityByTokenHash(ctx, "h2")
	if err != nil || rec.StatementID != st.ID {
		t.Errorf("current hash lookup: %+v, %v", rec, err)
	}
}

func TestMemoryBackend_ArtifactsFollowCurrentCapability(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	st := seedStatement(t, m)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	if _, err := m.SetStatementArtifacts(ctx, st.ID, models.Artifacts{TokenHash: "h1", ExpiresAt: exp}); !errors.Is(err, ErrCapabilityChanged) {
		t.Errorf("no capability: expected ErrCapabilityChanged, got %v", err)
	}

	if err := m.IssueCapability(ctx, &models.CapabilityRecord{StatementID: st.ID, TokenHash: "h1", ExpiresAt: exp}); err != nil {
		t.Fatal(err)
	}
	prev, err := m.SetStatementArtifacts(ctx, st.ID, models.Artifacts{TokenHash: "h1", ExpiresAt: exp, QRKey: "qrcodes/a.png", PDFKey: "statements/a.pdf"})
	if err != nil {
		t.Fatalf("recording h1 artifacts: %v", err)
	}
	if prev.QRKey != "" || prev.PDFKey != "" {
		t.Errorf("expected no previous keys, got %+v", prev)
	}

	if err := m.IssueCapability(ctx, &models.CapabilityRecord{StatementID: st.ID, TokenHash: "h2", ExpiresAt: exp}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetStatementArtifacts(ctx, st.ID, models.Artifacts{TokenHash: "h1", ExpiresAt: exp, QRKey: "qrcodes/late.png"}); !errors.Is(err, ErrCapabilityChanged) {
		t.Errorf("superseded token: expected ErrCapabilityChanged, got %v", err)
	}
	if _, err := m.SetStatementArtifacts(ctx, st.ID, models.Artifacts{TokenHash: "h2", ExpiresAt: exp.Add(time.Second)}); !errors.Is(err, ErrCapabilityChanged) {
		t.Errorf("stale expiry: expected ErrCapabilityChanged, got %v", err)
	}
	prev, err = m.SetStatementArtifacts(ctx, st.ID, models.Artifacts{TokenHash: "h2", ExpiresAt: exp, QRKey: "qrcodes/b.png", PDFKey: "statements/b.pdf"})
	if err != nil {
		t.Fatalf("recording h2 artifacts: %v", err)
	}
	if prev.QRKey != "qrcodes/a.png" || prev.PDFKey != "statements/a.pdf" {
		t.Errorf("previous keys = %+v", prev)
	}
	got, _ := m.GetStatement(ctx, st.ID)
	if got.QRBlobKey != "qrcodes/b.png" || got.PDFBlobKey != "statements/b.pdf" {
		t.Errorf("stored keys = %s, %s", got.QRBlobKey, got.PDFBlobKey)
	}
}

func TestMemoryBackend_ExtendWithoutCapability(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	st := seedStatement(t, m)

	if _, err := m.ExtendCapability(ctx, st.ID, time.Now()); !errors.Is(err, ErrNoCapability) {
		t.Errorf("expected ErrNoCapability, got %v", err)
	}
	if _, err := m.ExtendCapability(ctx, 999, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	rec, err := m.GetCapability(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetCapability: %v", err)
	}
	if rec.Status(time.Now()) != models.CapabilityNone {
		t.Errorf("status = %s, want none", rec.Status(time.Now()))
	}
}

func TestMemoryBackend_ConcurrentIssueLeavesOnePair(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	st := seedStatement(t, m)
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &models.CapabilityRecord{
				StatementID: st.ID,
				TokenHash:   fmt.Sprintf("hash-%d", i),
				ExpiresAt:   base.Add(time.Duration(i) * time.Minute),
			}
			if err := m.IssueCapability(ctx, rec); err != nil {
				t.Errorf("issue %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := m.GetCapability(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetCapability: %v", err)
	}
	var i int
	if _, err := fmt.Sscanf(rec.TokenHash, "hash-%d", &i); err != nil {
		t.Fatalf("unexpected hash %q", rec.TokenHash)
	}
	if !rec.ExpiresAt.Equal(base.Add(time.Duration(i) * time.Minute)) {
		t.Errorf("token %s persisted with another writer's expiry %v", rec.TokenHash, rec.ExpiresAt)
	}
	if len(m.byHash) != 1 {
		t.Errorf("expected exactly one indexed hash, got %d", len(m.byHash))
	}
}

func TestMemoryBackend_ListPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	for i := 0; i < 12; i++ {
		seedStatement(t, m)
	}
	first, total, err := m.ListStatements(ctx, StatementFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListStatements: %v", err)
	}
	if total != 12 || len(first) != 10 {
		t.Errorf("total=%d len=%d", total, len(first))
	}
	if first[0].ID != 12 {
		t.Errorf("expected newest first, got id %d", first[0].ID)
	}
	second, _, _ := m.ListStatements(ctx, StatementFilter{Limit: 10, Offset: 10})
	if len(second) != 2 {
		t.Errorf("second page len = %d", len(second))
	}
}

func TestMemoryBackend_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	if err := m.CreateUser(ctx, &models.User{Email: "a@example.com", Role: models.RoleAdmin}); err != nil {
		t.Fatal(err)
	}
	err := m.CreateUser(ctx, &models.User{Email: "A@example.com", Role: models.RoleAdmin})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}
