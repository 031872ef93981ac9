package badger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// KVStorage implements the KeyValueStorage interface for Badger
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKVStorage creates a new KVStorage instance
func NewKVStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KeyValueStorage {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// normalizeKey converts a key to lowercase for case-insensitive storage
func (s *KVStorage) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Get retrieves a value by key (case-insensitive)
func (s *KVStorage) Get(ctx context.Context, key string) (string, error) {
	var pair interfaces.KeyValuePair
	err := s.db.Store().Get(s.normalizeKey(key), &pair)
	if err == badgerhold.ErrNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return pair.Value, nil
}

// Set inserts or updates a key/value pair, preserving CreatedAt of an existing pair
func (s *KVStorage) Set(ctx context.Context, key string, value string, description string) error {
	normalizedKey := s.normalizeKey(key)
	now := time.Now()

	return s.db.Update(func(tx *badgerdb.Txn) error {
		pair := interfaces.KeyValuePair{
			Key:         normalizedKey,
			Value:       value,
			Description: description,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		var existing interfaces.KeyValuePair
		err := s.db.Store().TxGet(tx, normalizedKey, &existing)
		if err == nil {
			pair.CreatedAt = existing.CreatedAt
		} else if err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to check key existence: %w", err)
		}

		if err := s.db.Store().TxUpsert(tx, normalizedKey, &pair); err != nil {
			return fmt.Errorf("failed to set key/value: %w", err)
		}
		return nil
	})
}

// SetIfAbsent inserts the pair only when the key does not exist yet
func (s *KVStorage) SetIfAbsent(ctx context.Context, key string, value string, description string) (bool, error) {
	normalizedKey := s.normalizeKey(key)
	now := time.Now()

	pair := interfaces.KeyValuePair{
		Key:         normalizedKey,
		Value:       value,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.Store().Insert(normalizedKey, &pair)
	if err == badgerhold.ErrKeyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert key/value: %w", err)
	}
	return true, nil
}

// Delete removes a key/value pair (case-insensitive)
func (s *KVStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Store().Delete(s.normalizeKey(key), &interfaces.KeyValuePair{})
	if err == badgerhold.ErrNotFound {
		return interfaces.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// ListByPrefix returns all pairs whose key starts with prefix, ordered by key
func (s *KVStorage) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	normalizedPrefix := s.normalizeKey(prefix)

	var pairs []interfaces.KeyValuePair
	query := badgerhold.Where("Key").RegExp(regexp.MustCompile("^" + regexp.QuoteMeta(normalizedPrefix))).SortBy("Key")

	if err := s.db.Store().Find(&pairs, query); err != nil {
		return nil, fmt.Errorf("failed to list key/value pairs by prefix: %w", err)
	}
	return pairs, nil
}
