// Package storage persists the relayer's append-only order and oracle
// collections plus its balance table in pebble. Records are JSON-encoded
// and written synchronously; a write failure panics rather than letting the
// in-memory state drift from disk.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0xfoundry/gprelayer/pkg/oracle"
	"github.com/0xfoundry/gprelayer/pkg/relayer"
)

type PebbleStore struct {
	db *pebble.DB
}

func Open(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) PutOrder(o *relayer.Order) {
	s.put(orderKey(o.ID), o)
}

func (s *PebbleStore) PutOracle(o *oracle.Oracle) {
	s.put(oracleKey(o.ID), o)
}

func (s *PebbleStore) PutBalance(token common.Address, amount *uint256.Int) {
	s.put(balanceKey(token), amount)
}

func (s *PebbleStore) put(key []byte, v any) {
	val, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("storage: encode %s: %w", key, err))
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		panic(fmt.Errorf("storage: set %s: %w", key, err))
	}
}

// Orders returns every persisted order in id order.
func (s *PebbleStore) Orders() ([]*relayer.Order, error) {
	var out []*relayer.Order
	err := s.scan(prefixOrder, func(val []byte) error {
		var o relayer.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// Oracles returns every persisted oracle in id order.
func (s *PebbleStore) Oracles() ([]*oracle.Oracle, error) {
	var out []*oracle.Oracle
	err := s.scan(prefixOracle, func(val []byte) error {
		var o oracle.Oracle
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// Balances returns the persisted balance table.
func (s *PebbleStore) Balances() (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int)
	lower, upper := prefixBounds(prefixBalance)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("storage: iter: %w", err)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		token := common.BytesToAddress(it.Key()[len(prefixBalance):])
		amount := new(uint256.Int)
		if err := json.Unmarshal(it.Value(), amount); err != nil {
			return nil, fmt.Errorf("storage: decode balance %s: %w", token.Hex(), err)
		}
		out[token] = amount
	}
	return out, it.Error()
}

func (s *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	lower, upper := prefixBounds(prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("storage: iter: %w", err)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Value()); err != nil {
			return fmt.Errorf("storage: decode %s: %w", it.Key(), err)
		}
	}
	return it.Error()
}
