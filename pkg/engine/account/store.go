package account

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema:
//   "macc:{address}" -> MarginAccount (JSON)
//   "allow:{account}:{grantee}" -> remaining uses (JSON uint32)
const (
	prefixAccount   = "macc:"
	prefixAllowance = "allow:"
)

func accountKey(addr common.Address) []byte {
	return []byte(prefixAccount + addr.Hex())
}

func allowanceKey(account, grantee common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixAllowance, account.Hex(), grantee.Hex()))
}

// Store provides Pebble-based persistence for margin accounts.
// Thread-safe: all operations go through the Manager's mutex.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadAccount loads one margin account; nil if it doesn't exist
func (s *Store) LoadAccount(addr common.Address) (*MarginAccount, error) {
	data, closer, err := s.db.Get(accountKey(addr))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var acc MarginAccount
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acc, nil
}

// SaveAccounts persists a set of accounts in one atomic batch.
// A batch either lands completely or not at all, matching the dispatcher's
// all-or-nothing commit.
func (s *Store) SaveAccounts(accounts map[common.Address]*MarginAccount) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for addr, acc := range accounts {
		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal account %s: %w", addr.Hex(), err)
		}
		if err := batch.Set(accountKey(addr), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit account batch: %w", err)
	}
	return nil
}

// SaveAllowance persists one access allowance (0 deletes the key)
func (s *Store) SaveAllowance(account, grantee common.Address, uses uint32) error {
	key := allowanceKey(account, grantee)
	if uses == 0 {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return fmt.Errorf("failed to delete allowance: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(uses)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save allowance: %w", err)
	}
	return nil
}

// LoadAllowance loads one access allowance; 0 if absent
func (s *Store) LoadAllowance(account, grantee common.Address) (uint32, error) {
	data, closer, err := s.db.Get(allowanceKey(account, grantee))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get allowance: %w", err)
	}
	defer closer.Close()

	var uses uint32
	if err := json.Unmarshal(data, &uses); err != nil {
		return 0, fmt.Errorf("failed to unmarshal allowance: %w", err)
	}
	return uses, nil
}
