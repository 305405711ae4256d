// Package trust pins recipients' encryption public keys on this device (trust on first use).
//
// A record is created only when the user pins an email. Later wraps for that email are allowed only while
// the server keeps asserting the same key. The first pin still trusts the server.
package trust

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/repository/local"
	"e2e_vault/internal/utils/log"

	"go.uber.org/zap"
)

const storageKey = "trust.records"

type Status int

const (
	Unpinned Status = iota
	Trusted
	Mismatch
)

func (s Status) String() string {
	switch s {
	case Trusted:
		return "trusted"
	case Mismatch:
		return "mismatch"
	default:
		return "unpinned"
	}
}

// KeyFetcher returns the server-asserted encryption public key for an email.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, email string) ([]byte, error)
}

type Store struct {
	mu      sync.RWMutex
	kv      local.Store
	fetcher KeyFetcher
	records map[string]model.TrustedKeyRecord
	now     func() time.Time
}

// NewStore loads the pinned records from kv.
func NewStore(ctx context.Context, kv local.Store, fetcher KeyFetcher) (*Store, error) {
	s := &Store{
		kv:      kv,
		fetcher: fetcher,
		records: make(map[string]model.TrustedKeyRecord),
		now:     time.Now,
	}

	raw, err := kv.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("load trusted keys: %w", err)
	}
	if raw == "" {
		return s, nil
	}

	var list []model.TrustedKeyRecord
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode trusted keys: %w", err)
	}
	for _, r := range list {
		r.Email = Normalize(r.Email)
		s.records[r.Email] = r
	}
	return s, nil
}

func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Pin fetches the key the server currently asserts for email and pins it. When expected is set and the
// server disagrees, nothing is pinned and ErrKeyMismatch is returned.
func (s *Store) Pin(ctx context.Context, email string, expected []byte) (*model.TrustedKeyRecord, error) {
	email = Normalize(email)
	if email == "" {
		return nil, fmt.Errorf("%w: empty email", verrors.ErrInvalidInput)
	}

	current, err := s.fetcher.GetPublicKey(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("fetch public key for %s: %w", email, err)
	}
	if expected != nil && !equal(expected, current) {
		return nil, verrors.ErrKeyMismatch
	}

	rec := model.TrustedKeyRecord{Email: email, PublicKey: current, PinnedAt: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyLocked()
	next[email] = rec
	if err := s.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	s.records = next

	log.Info("pinned public key", zap.String("email", email))
	return &rec, nil
}

// Remove forgets the pinned key for email.
func (s *Store) Remove(ctx context.Context, email string) error {
	email = Normalize(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[email]; !ok {
		return nil
	}
	next := s.copyLocked()
	delete(next, email)
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.records = next

	log.Info("removed pinned public key", zap.String("email", email))
	return nil
}

func (s *Store) Verify(email string, publicKey []byte) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[Normalize(email)]
	switch {
	case !ok:
		return Unpinned
	case equal(rec.PublicKey, publicKey):
		return Trusted
	default:
		return Mismatch
	}
}

// Check maps Verify onto the error taxonomy. It implements the envelope wrap gate.
func (s *Store) Check(email string, publicKey []byte) error {
	switch s.Verify(email, publicKey) {
	case Trusted:
		return nil
	case Mismatch:
		log.Warn("public key differs from pinned key", zap.String("email", Normalize(email)))
		return verrors.ErrKeyMismatch
	default:
		return verrors.ErrUntrustedKey
	}
}

func (s *Store) Get(email string) (model.TrustedKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Normalize(email)]
	return rec, ok
}

// Records returns the pinned records sorted by email.
func (s *Store) Records() []model.TrustedKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedList(s.records)
}

func (s *Store) copyLocked() map[string]model.TrustedKeyRecord {
	next := make(map[string]model.TrustedKeyRecord, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	return next
}

func (s *Store) persistLocked(ctx context.Context, records map[string]model.TrustedKeyRecord) error {
	data, err := json.Marshal(sortedList(records))
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, storageKey, string(data)); err != nil {
		return fmt.Errorf("persist trusted keys: %w", err)
	}
	return nil
}

func sortedList(records map[string]model.TrustedKeyRecord) []model.TrustedKeyRecord {
	list := make([]model.TrustedKeyRecord, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Email < list[j].Email })
	return list
}

func equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
