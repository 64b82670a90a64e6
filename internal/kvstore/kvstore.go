// Package kvstore is a LevelDB-backed persistence layer for the risk ledger
// and voucher store's key layout, plus a short-lived distributed lock
// primitive. It is an optional durability layer: every component that reads
// through kvstore also functions purely in memory when persistence is
// disabled.
package kvstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MaxLockTTL bounds the lifetime of a distributed lock acquired via Lock.
const MaxLockTTL = 30 * time.Second

// Key prefixes for the persisted state layout.
const (
	prefixPending      = "pending:"
	prefixDaily        = "daily:"
	prefixTier         = "tier:"
	prefixFirstSeen    = "firstseen:"
	prefixSettlement   = "settlement:"
	keySettlementsPending = "settlements:pending"
	prefixVoucher      = "voucher:"
	prefixVouchersBuyer = "vouchers:buyer:"
	prefixLock         = "lock:"
)

// Store wraps a goleveldb database under a configurable key prefix.
type Store struct {
	db     *leveldb.DB
	prefix string
}

// Open opens (or creates) a LevelDB database at path, namespacing every key
// under prefix.
func Open(path, prefix string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("kvstore: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("kvstore: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	return &Store{db: db, prefix: strings.TrimSuffix(prefix, ":")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) key(k string) []byte {
	if s.prefix == "" {
		return []byte(k)
	}
	return []byte(s.prefix + ":" + k)
}

func (s *Store) putJSON(k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: marshal: %w", err)
	}
	return s.db.Put(s.key(k), raw, nil)
}

func (s *Store) getJSON(k string, out interface{}) (bool, error) {
	raw, err := s.db.Get(s.key(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: get: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("kvstore: unmarshal: %w", err)
	}
	return true, nil
}

func addr(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// PutPending persists the pending amount for a wallet as a decimal string.
func (s *Store) PutPending(a, amount string) error {
	return s.db.Put(s.key(prefixPending+addr(a)), []byte(amount), nil)
}

// GetPending reads the pending amount for a wallet, if persisted.
func (s *Store) GetPending(a string) (string, bool, error) {
	raw, err := s.db.Get(s.key(prefixPending+addr(a)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get pending: %w", err)
	}
	return string(raw), true, nil
}

// PutDaily persists a wallet's daily-used amount for a given date key.
func (s *Store) PutDaily(a, dateKey, amount string) error {
	return s.db.Put(s.key(prefixDaily+addr(a)+":"+dateKey), []byte(amount), nil)
}

// GetDaily reads a wallet's daily-used amount for a given date key.
func (s *Store) GetDaily(a, dateKey string) (string, bool, error) {
	raw, err := s.db.Get(s.key(prefixDaily+addr(a)+":"+dateKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get daily: %w", err)
	}
	return string(raw), true, nil
}

// PutTier persists a wallet's tier override.
func (s *Store) PutTier(a, tier string) error {
	return s.db.Put(s.key(prefixTier+addr(a)), []byte(tier), nil)
}

// GetTier reads a wallet's persisted tier override, if any.
func (s *Store) GetTier(a string) (string, bool, error) {
	raw, err := s.db.Get(s.key(prefixTier+addr(a)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get tier: %w", err)
	}
	return string(raw), true, nil
}

// PutFirstSeen persists the first-seen timestamp for a wallet.
func (s *Store) PutFirstSeen(a string, t time.Time) error {
	return s.db.Put(s.key(prefixFirstSeen+addr(a)), []byte(t.UTC().Format(time.RFC3339Nano)), nil)
}

// GetFirstSeen reads the first-seen timestamp for a wallet, if persisted.
func (s *Store) GetFirstSeen(a string) (time.Time, bool, error) {
	raw, err := s.db.Get(s.key(prefixFirstSeen+addr(a)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("kvstore: get firstseen: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("kvstore: parse firstseen: %w", err)
	}
	return t, true, nil
}

// PutSettlement persists a settlement record and adds its id to the pending
// set.
func (s *Store) PutSettlement(id string, record interface{}) error {
	batch := new(leveldb.Batch)
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kvstore: marshal settlement: %w", err)
	}
	batch.Put(s.key(prefixSettlement+id), raw)
	batch.Put(s.key(keySettlementsPending+":"+id), nil)
	return s.db.Write(batch, nil)
}

// GetSettlement reads a persisted settlement record into out.
func (s *Store) GetSettlement(id string, out interface{}) (bool, error) {
	return s.getJSON(prefixSettlement+id, out)
}

// RemoveFromPendingSet removes a settlement id from the pending index,
// typically once it reaches a terminal state.
func (s *Store) RemoveFromPendingSet(id string) error {
	return s.db.Delete(s.key(keySettlementsPending+":"+id), nil)
}

// PendingSettlementIDs returns every settlement id currently in the pending
// index.
func (s *Store) PendingSettlementIDs() ([]string, error) {
	prefix := s.key(keySettlementsPending + ":")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("kvstore: iterate pending settlements: %w", err)
	}
	return ids, nil
}

// PutVoucher persists a voucher keyed by (id, buyer, seller) and indexes it
// under the buyer.
func (s *Store) PutVoucher(id, buyer, seller string, voucher interface{}) error {
	raw, err := json.Marshal(voucher)
	if err != nil {
		return fmt.Errorf("kvstore: marshal voucher: %w", err)
	}
	voucherKey := prefixVoucher + id + ":" + addr(buyer) + ":" + addr(seller)
	batch := new(leveldb.Batch)
	batch.Put(s.key(voucherKey), raw)
	batch.Put(s.key(prefixVouchersBuyer+addr(buyer)+":"+voucherKey), nil)
	return s.db.Write(batch, nil)
}

// GetVoucher reads a persisted voucher into out.
func (s *Store) GetVoucher(id, buyer, seller string, out interface{}) (bool, error) {
	voucherKey := prefixVoucher + id + ":" + addr(buyer) + ":" + addr(seller)
	return s.getJSON(voucherKey, out)
}

// VoucherKeysByBuyer returns every voucher key indexed under a buyer address.
func (s *Store) VoucherKeysByBuyer(buyer string) ([]string, error) {
	prefix := s.key(prefixVouchersBuyer + addr(buyer) + ":")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("kvstore: iterate vouchers by buyer: %w", err)
	}
	return keys, nil
}

// Lock acquires a short-lived distributed lock on resource, returning a
// random token that must be presented to Unlock. ttl is clamped to
// MaxLockTTL. Returns false if the resource is already locked.
func (s *Store) Lock(resource string, ttl time.Duration) (token string, acquired bool, err error) {
	if ttl <= 0 || ttl > MaxLockTTL {
		ttl = MaxLockTTL
	}
	lockKey := s.key(prefixLock + resource)

	existing, err := s.db.Get(lockKey, nil)
	if err == nil {
		var payload lockPayload
		if json.Unmarshal(existing, &payload) == nil && time.Now().UTC().Before(payload.ExpiresAt) {
			return "", false, nil
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return "", false, fmt.Errorf("kvstore: lock read: %w", err)
	}

	tokenBytes := make([]byte, 16)
	if _, rerr := rand.Read(tokenBytes); rerr != nil {
		return "", false, fmt.Errorf("kvstore: generate lock token: %w", rerr)
	}
	token = hex.EncodeToString(tokenBytes)

	payload := lockPayload{Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return "", false, fmt.Errorf("kvstore: marshal lock: %w", merr)
	}
	if err := s.db.Put(lockKey, raw, nil); err != nil {
		return "", false, fmt.Errorf("kvstore: lock write: %w", err)
	}
	return token, true, nil
}

// Unlock releases a lock previously acquired with Lock, provided token
// matches the holder currently recorded. A mismatched or expired token is a
// no-op success, since the lock has effectively already moved on.
func (s *Store) Unlock(resource, token string) error {
	lockKey := s.key(prefixLock + resource)
	existing, err := s.db.Get(lockKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvstore: unlock read: %w", err)
	}
	var payload lockPayload
	if err := json.Unmarshal(existing, &payload); err != nil {
		return fmt.Errorf("kvstore: unlock decode: %w", err)
	}
	if payload.Token != token {
		return nil
	}
	return s.db.Delete(lockKey, nil)
}

type lockPayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
