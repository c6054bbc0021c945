package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"wts/internal/domain"
)

// MemoryTokenStore is an in-memory implementation of TokenStore.
// It is thread-safe and suitable for development and tests; tokens are
// lost on restart.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]domain.RefreshToken // keyed by jti
	now    func() time.Time
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]domain.RefreshToken),
		now:    time.Now,
	}
}

var (
	_ TokenStore  = (*MemoryTokenStore)(nil)
	_ HealthCheck = (*MemoryTokenStore)(nil)
)

func (s *MemoryTokenStore) Insert(_ context.Context, rec domain.RefreshToken) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[rec.JTI]; exists {
		return ErrConflict
	}
	s.tokens[rec.JTI] = rec
	return nil
}

// Rotate holds the write lock for the whole delete-and-insert, which gives
// the same all-or-nothing behavior as the SQL transaction.
func (s *MemoryTokenStore) Rotate(_ context.Context, userID, idp string, rec domain.RefreshToken) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Unix()
	var doomed []string
	for jti, t := range s.tokens {
		if t.UserID != userID {
			continue
		}
		if t.IDP == idp || t.Expires <= cutoff {
			doomed = append(doomed, jti)
		}
	}
	if _, exists := s.tokens[rec.JTI]; exists && !slices.Contains(doomed, rec.JTI) {
		return ErrConflict
	}
	for _, jti := range doomed {
		delete(s.tokens, jti)
	}
	s.tokens[rec.JTI] = rec
	return nil
}

func (s *MemoryTokenStore) FindLatest(_ context.Context, username, idp string) (*domain.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.RefreshToken
	for _, t := range s.tokens {
		if t.Username != username || t.IDP != idp {
			continue
		}
		if latest == nil || t.Expires > latest.Expires ||
			(t.Expires == latest.Expires && t.JTI > latest.JTI) {
			cp := t
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryTokenStore) FindAllValid(_ context.Context, username string, now time.Time) ([]domain.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.RefreshToken
	for _, t := range s.tokens {
		if t.Username == username && t.ValidAt(now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Expires != out[j].Expires {
			return out[i].Expires < out[j].Expires
		}
		return out[i].JTI < out[j].JTI
	})
	return out, nil
}

func (s *MemoryTokenStore) IsValid(_ context.Context, username, idp string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if t.Username == username && t.IDP == idp && t.ValidAt(now) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of stored records.
func (s *MemoryTokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func (s *MemoryTokenStore) Close() error { return nil }

func (s *MemoryTokenStore) Ping(context.Context) error { return nil }

func (s *MemoryTokenStore) Stats() *DBStats { return &DBStats{} }
