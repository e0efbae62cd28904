// Package storage persists agent configuration across restarts: driver
// parameter values and the payload an auto-responding agent serves.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/buntdb"
)

// ErrNotFound is returned when a key has never been stored.
var ErrNotFound = errors.New("storage: not found")

const (
	paramPrefix = "param:"
	payloadKey  = "payload"
)

// Store is a small buntdb-backed key/value store. Open with ":memory:"
// for an ephemeral store.
type Store struct {
	db *buntdb.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveParameter records a parameter value under its wire name.
func (s *Store) SaveParameter(name string, data []byte) error {
	return s.put(paramPrefix+name, data)
}

// Parameter reads a stored parameter value.
func (s *Store) Parameter(name string) ([]byte, error) {
	return s.get(paramPrefix + name)
}

// Parameters returns all stored parameter values keyed by wire name.
func (s *Store) Parameters() (map[string][]byte, error) {
	params := make(map[string][]byte)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendKeys(paramPrefix+"*", func(key, value string) bool {
			var data []byte
			if iterErr = json.Unmarshal([]byte(value), &data); iterErr != nil {
				return false
			}
			params[key[len(paramPrefix):]] = data
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

// SavePayload records the agent's auto-response payload.
func (s *Store) SavePayload(data []byte) error {
	return s.put(payloadKey, data)
}

// Payload reads the stored auto-response payload.
func (s *Store) Payload() ([]byte, error) {
	return s.get(payloadKey)
}

func (s *Store) put(key string, data []byte) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		value, err := json.Marshal(data)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(value), nil)
		return err
	})
}

func (s *Store) get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(key)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &data)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
