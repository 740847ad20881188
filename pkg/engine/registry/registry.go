// Package registry assigns the small integer handles embedded in product
// identifiers. Assets, margin engines, and oracles each get an 8-bit id,
// issued sequentially from 1; id 0 is reserved as "unset".
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRegistered = errors.New("registry: address already registered")
	ErrUnknownID         = errors.New("registry: unknown id")
	ErrRegistryFull      = errors.New("registry: id space exhausted")
)

// Asset is a registered collateral/underlying/strike asset
type Asset struct {
	ID       uint8
	Address  common.Address
	Decimals uint8
}

// Registry is an explicit value injected into components that resolve ids.
// Thread-safe; all ids are issued under the write lock.
type Registry struct {
	mu sync.RWMutex

	assets       map[uint8]Asset
	assetIDs     map[common.Address]uint8
	engines      map[uint8]common.Address
	engineIDs    map[common.Address]uint8
	oracles      map[uint8]common.Address
	oracleIDs    map[common.Address]uint8
	nextAssetID  uint8
	nextEngineID uint8
	nextOracleID uint8

	log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		assets:       make(map[uint8]Asset),
		assetIDs:     make(map[common.Address]uint8),
		engines:      make(map[uint8]common.Address),
		engineIDs:    make(map[common.Address]uint8),
		oracles:      make(map[uint8]common.Address),
		oracleIDs:    make(map[common.Address]uint8),
		nextAssetID:  1,
		nextEngineID: 1,
		nextOracleID: 1,
		log:          log,
	}
}

// RegisterAsset assigns the next asset id to addr.
// Decimals is the asset's native decimal count, used by settlement scaling.
func (r *Registry) RegisterAsset(addr common.Address, decimals uint8) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assetIDs[addr]; ok {
		return 0, fmt.Errorf("%w: asset %s", ErrAlreadyRegistered, addr.Hex())
	}
	if r.nextAssetID == 0 { // wrapped past 255
		return 0, ErrRegistryFull
	}

	id := r.nextAssetID
	r.nextAssetID++
	r.assets[id] = Asset{ID: id, Address: addr, Decimals: decimals}
	r.assetIDs[addr] = id
	r.log.Infow("asset_registered", "id", id, "address", addr.Hex(), "decimals", decimals)
	return id, nil
}

// RegisterEngine assigns the next engine id to addr
func (r *Registry) RegisterEngine(addr common.Address) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engineIDs[addr]; ok {
		return 0, fmt.Errorf("%w: engine %s", ErrAlreadyRegistered, addr.Hex())
	}
	if r.nextEngineID == 0 {
		return 0, ErrRegistryFull
	}

	id := r.nextEngineID
	r.nextEngineID++
	r.engines[id] = addr
	r.engineIDs[addr] = id
	r.log.Infow("engine_registered", "id", id, "address", addr.Hex())
	return id, nil
}

// RegisterOracle assigns the next oracle id to addr
func (r *Registry) RegisterOracle(addr common.Address) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.oracleIDs[addr]; ok {
		return 0, fmt.Errorf("%w: oracle %s", ErrAlreadyRegistered, addr.Hex())
	}
	if r.nextOracleID == 0 {
		return 0, ErrRegistryFull
	}

	id := r.nextOracleID
	r.nextOracleID++
	r.oracles[id] = addr
	r.oracleIDs[addr] = id
	r.log.Infow("oracle_registered", "id", id, "address", addr.Hex())
	return id, nil
}

// AssetByID resolves an asset id back to its record
func (r *Registry) AssetByID(id uint8) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("%w: asset %d", ErrUnknownID, id)
	}
	return a, nil
}

// EngineByID resolves an engine id back to its address
func (r *Registry) EngineByID(id uint8) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.engines[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: engine %d", ErrUnknownID, id)
	}
	return addr, nil
}

// OracleByID resolves an oracle id back to its address
func (r *Registry) OracleByID(id uint8) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.oracles[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: oracle %d", ErrUnknownID, id)
	}
	return addr, nil
}

// HasAsset reports whether id has been issued.
// Used to validate ids embedded in identifiers against the issuance counter.
func (r *Registry) HasAsset(id uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assets[id]
	return ok
}

// HasEngine reports whether an engine id has been issued
func (r *Registry) HasEngine(id uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[id]
	return ok
}

// HasOracle reports whether an oracle id has been issued
func (r *Registry) HasOracle(id uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.oracles[id]
	return ok
}

// ListAssets returns a snapshot of all registered assets ordered by id
func (r *Registry) ListAssets() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Asset, 0, len(r.assets))
	for id := uint8(1); id != 0 && id < r.nextAssetID; id++ {
		if a, ok := r.assets[id]; ok {
			out = append(out, a)
		}
	}
	return out
}
