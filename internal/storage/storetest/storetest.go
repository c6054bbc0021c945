// Package storetest holds the behavior tests every storage.TokenStore
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wts/internal/domain"
	"wts/internal/storage"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.TokenStore

// Run executes the full TokenStore suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.TokenStore)
	}{
		{"InsertAndFindLatest", testInsertAndFindLatest},
		{"InsertDuplicateJTI", testInsertDuplicateJTI},
		{"InsertValidation", testInsertValidation},
		{"FindLatestPicksFurthestExpiry", testFindLatestPicksFurthestExpiry},
		{"FindLatestEqualExpiry", testFindLatestEqualExpiry},
		{"FindAllValidOrderAndBoundary", testFindAllValidOrderAndBoundary},
		{"IsValidBoundary", testIsValidBoundary},
		{"RotateReplacesPrevious", testRotateReplacesPrevious},
		{"RotatePurgesExpired", testRotatePurgesExpired},
		{"RotateConflictKeepsPrevious", testRotateConflictKeepsPrevious},
		{"RotateReauthorizeTwice", testRotateReauthorizeTwice},
		{"RotateConcurrent", testRotateConcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func record(jti, username, userid, idp string, expires int64) domain.RefreshToken {
	return domain.RefreshToken{
		Token:    "ciphertext-" + jti,
		JTI:      jti,
		Username: username,
		UserID:   userid,
		IDP:      idp,
		Expires:  expires,
	}
}

func mustInsert(t *testing.T, s storage.TokenStore, rec domain.RefreshToken) {
	t.Helper()
	if err := s.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert %s: %v", rec.JTI, err)
	}
}

func testInsertAndFindLatest(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()
	rec := record("jti-1", "alice", "u1", "default", exp)
	mustInsert(t, s, rec)

	got, err := s.FindLatest(ctx, "alice", "default")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if *got != rec {
		t.Errorf("got %+v, want %+v", *got, rec)
	}

	none, err := s.FindLatest(ctx, "alice", "other")
	if err != nil {
		t.Fatalf("find latest other idp: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown idp, got %+v", none)
	}
}

func testInsertDuplicateJTI(t *testing.T, s storage.TokenStore) {
	exp := time.Now().Add(time.Hour).Unix()
	mustInsert(t, s, record("dup", "alice", "u1", "default", exp))

	err := s.Insert(context.Background(), record("dup", "bob", "u2", "idp_a", exp))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func testInsertValidation(t *testing.T, s storage.TokenStore) {
	rec := record("", "alice", "u1", "default", time.Now().Unix())
	if err := s.Insert(context.Background(), rec); !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func testFindLatestPicksFurthestExpiry(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	now := time.Now().Unix()
	mustInsert(t, s, record("a", "alice", "u1", "idp_a", now+100))
	mustInsert(t, s, record("b", "alice", "u1", "idp_a", now+300))
	mustInsert(t, s, record("c", "alice", "u1", "idp_a", now-50))

	got, err := s.FindLatest(ctx, "alice", "idp_a")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got == nil || got.JTI != "b" {
		t.Fatalf("expected jti b, got %+v", got)
	}
}

func testFindLatestEqualExpiry(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()
	for _, jti := range []string{"j3", "j0", "j7", "j5", "j1", "j6", "j2", "j4"} {
		mustInsert(t, s, record(jti, "alice", "u1", "idp_a", exp))
	}

	for i := 0; i < 20; i++ {
		got, err := s.FindLatest(ctx, "alice", "idp_a")
		if err != nil {
			t.Fatalf("find latest: %v", err)
		}
		if got == nil || got.JTI != "j7" {
			t.Fatalf("call %d: expected jti j7 for equal expiry, got %+v", i+1, got)
		}
	}
}

func testFindAllValidOrderAndBoundary(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	now := time.Unix(2_000_000_000, 0)
	mustInsert(t, s, record("later", "alice", "u1", "idp_a", now.Unix()+500))
	mustInsert(t, s, record("sooner", "alice", "u1", "default", now.Unix()+1))
	mustInsert(t, s, record("boundary", "alice", "u1", "idp_b", now.Unix()))
	mustInsert(t, s, record("expired", "alice", "u1", "idp_c", now.Unix()-1))
	mustInsert(t, s, record("other-user", "bob", "u2", "default", now.Unix()+1000))

	got, err := s.FindAllValid(ctx, "alice", now)
	if err != nil {
		t.Fatalf("find all valid: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid records, got %d: %+v", len(got), got)
	}
	if got[0].JTI != "sooner" || got[1].JTI != "later" {
		t.Errorf("expected ascending expiry [sooner later], got [%s %s]", got[0].JTI, got[1].JTI)
	}
}

func testIsValidBoundary(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	now := time.Unix(2_000_000_000, 0)
	mustInsert(t, s, record("eq", "eq", "u-eq", "default", now.Unix()))
	mustInsert(t, s, record("minus", "minus", "u-minus", "default", now.Unix()-1))
	mustInsert(t, s, record("plus", "plus", "u-plus", "default", now.Unix()+1))

	cases := map[string]bool{"eq": false, "minus": false, "plus": true, "nobody": false}
	for username, want := range cases {
		for i := 0; i < 2; i++ {
			got, err := s.IsValid(ctx, username, "default", now)
			if err != nil {
				t.Fatalf("is valid %s: %v", username, err)
			}
			if got != want {
				t.Errorf("IsValid(%s) call %d = %v, want %v", username, i+1, got, want)
			}
		}
	}
}

func testRotateReplacesPrevious(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	now := time.Now()
	exp := now.Add(time.Hour).Unix()
	mustInsert(t, s, record("old-1", "alice", "u1", "idp_a", exp))
	mustInsert(t, s, record("old-2", "alice", "u1", "idp_a", exp+10))
	mustInsert(t, s, record("keep", "alice", "u1", "default", exp))

	next := record("new", "alice", "u1", "idp_a", exp+20)
	if err := s.Rotate(ctx, "u1", "idp_a", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	latest, err := s.FindLatest(ctx, "alice", "idp_a")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if latest == nil || *latest != next {
		t.Fatalf("expected rotated record, got %+v", latest)
	}

	valid, err := s.FindAllValid(ctx, "alice", now)
	if err != nil {
		t.Fatalf("find all valid: %v", err)
	}
	perIDP := map[string]int{}
	for _, r := range valid {
		perIDP[r.IDP]++
	}
	if perIDP["idp_a"] != 1 {
		t.Errorf("expected exactly one idp_a record after rotation, got %d", perIDP["idp_a"])
	}
	if perIDP["default"] != 1 {
		t.Errorf("rotation must not touch other providers, got %d default records", perIDP["default"])
	}
}

func testRotatePurgesExpired(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	now := time.Now()
	mustInsert(t, s, record("stale", "alice", "u1", "idp_b", now.Add(-time.Hour).Unix()))
	mustInsert(t, s, record("bob-stale", "bob", "u2", "idp_b", now.Add(-time.Hour).Unix()))

	if err := s.Rotate(ctx, "u1", "idp_a", record("fresh", "alice", "u1", "idp_a", now.Add(time.Hour).Unix())); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	stale, err := s.FindLatest(ctx, "alice", "idp_b")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if stale != nil {
		t.Errorf("expected alice's expired record to be purged, got %+v", stale)
	}
	other, err := s.FindLatest(ctx, "bob", "idp_b")
	if err != nil {
		t.Fatalf("find latest bob: %v", err)
	}
	if other == nil {
		t.Error("rotation must not purge other users' records")
	}
}

func testRotateConflictKeepsPrevious(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()
	prev := record("prev", "alice", "u1", "idp_a", exp)
	mustInsert(t, s, prev)
	mustInsert(t, s, record("taken", "bob", "u2", "idp_a", exp))

	err := s.Rotate(ctx, "u1", "idp_a", record("taken", "alice", "u1", "idp_a", exp+10))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.FindLatest(ctx, "alice", "idp_a")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got == nil || *got != prev {
		t.Fatalf("expected previous record to survive failed rotation, got %+v", got)
	}
}

func testRotateReauthorizeTwice(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	now := time.Now()
	first := record("first", "alice", "u1", "idp_a", now.Add(time.Hour).Unix())
	second := record("second", "alice", "u1", "idp_a", now.Add(2*time.Hour).Unix())

	if err := s.Rotate(ctx, "u1", "idp_a", first); err != nil {
		t.Fatalf("rotate first: %v", err)
	}
	if err := s.Rotate(ctx, "u1", "idp_a", second); err != nil {
		t.Fatalf("rotate second: %v", err)
	}

	valid, err := s.FindAllValid(ctx, "alice", now)
	if err != nil {
		t.Fatalf("find all valid: %v", err)
	}
	if len(valid) != 1 || valid[0].JTI != "second" {
		t.Fatalf("expected only the second record, got %+v", valid)
	}
}

func testRotateConcurrent(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()
	seed := record("seed", "alice", "u1", "idp_a", exp)
	mustInsert(t, s, seed)

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Rotate(ctx, "u1", "idp_a", record(fmt.Sprintf("j%d", i), "alice", "u1", "idp_a", exp+int64(i)))
		}(i)
	}
	wg.Wait()

	succeeded := map[string]bool{}
	for i, err := range errs {
		if err != nil {
			t.Errorf("rotation j%d failed: %v", i, err)
			continue
		}
		succeeded[fmt.Sprintf("j%d", i)] = true
	}

	valid, err := s.FindAllValid(ctx, "alice", time.Now())
	if err != nil {
		t.Fatalf("find all valid: %v", err)
	}
	if len(valid) != 1 {
		t.Fatalf("expected exactly one record after concurrent rotations, got %d: %+v", len(valid), valid)
	}
	got := valid[0]
	if got.Token != "ciphertext-"+got.JTI || got.UserID != "u1" || got.IDP != "idp_a" {
		t.Errorf("surviving record is inconsistent: %+v", got)
	}
	if len(succeeded) == 0 {
		if got != seed {
			t.Errorf("all rotations failed but the seed record was replaced: %+v", got)
		}
	} else if !succeeded[got.JTI] {
		t.Errorf("surviving record %s does not come from a successful rotation", got.JTI)
	}
}
