package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema:
//   "price:{base}:{quote}:{expiry}" -> Record (JSON)
// Expiry is zero-padded to 20 digits so keys sort chronologically per pair.
const prefixPrice = "price:"

// Store persists oracle records to Pebble.
// All writes go through the Oracle's mutex.
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

func priceKey(base, quote common.Address, expiry uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixPrice, base.Hex(), quote.Hex(), expiry))
}

// SaveRecord persists one price record
func (s *Store) SaveRecord(base, quote common.Address, expiry uint64, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.db.Set(priceKey(base, quote, expiry), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// LoadAllRecords loads every persisted price record, keyed for the in-memory map
func (s *Store) LoadAllRecords() (map[expiryKey]Record, error) {
	prefix := []byte(prefixPrice)
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	out := make(map[expiryKey]Record)
	for iter.First(); iter.Valid(); iter.Next() {
		key, ok := parsePriceKey(iter.Key())
		if !ok {
			continue // skip malformed entries
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out[key] = rec
	}
	return out, nil
}

// parsePriceKey is the inverse of priceKey
func parsePriceKey(key []byte) (expiryKey, bool) {
	parts := strings.Split(strings.TrimPrefix(string(key), prefixPrice), ":")
	if len(parts) != 3 {
		return expiryKey{}, false
	}
	if !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return expiryKey{}, false
	}
	expiry, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return expiryKey{}, false
	}
	return expiryKey{
		Pair:   Pair{Base: common.HexToAddress(parts[0]), Quote: common.HexToAddress(parts[1])},
		Expiry: expiry,
	}, true
}
