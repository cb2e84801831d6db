package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const metadataKeyPrefix = "meta:"

type metadataItem struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	// unix millis, 0 for no expiry
	Expires int64 `json:"expires,omitempty"`
}

func (self *metadataItem) expired(now int64) bool {
	return 0 < self.Expires && self.Expires <= now
}

// MetadataCache is the small expiring key-value store.
// Items are written through to the local store under `meta:<key>`
// and served from a size bounded lru.
type MetadataCache struct {
	store LocalStore
	cache *expirable.LRU[string, *metadataItem]
}

func NewMetadataCache(store LocalStore, size int, ttl time.Duration) *MetadataCache {
	return &MetadataCache{
		store: store,
		cache: expirable.NewLRU[string, *metadataItem](size, nil, ttl),
	}
}

// a `ttl` of 0 never expires
func (self *MetadataCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	valueBytes, err := marshalStoreValue(value)
	if err != nil {
		return err
	}
	now := nowMillis()
	item := &metadataItem{
		Key:       key,
		Value:     valueBytes,
		Timestamp: now,
	}
	if 0 < ttl {
		item.Expires = now + ttl.Milliseconds()
	}
	itemBytes, err := marshalStoreValue(item)
	if err != nil {
		return err
	}
	if err := self.store.SetMetadata(ctx, metadataKeyPrefix+key, itemBytes); err != nil {
		return err
	}
	self.cache.Add(key, item)
	return nil
}

// Get decodes the value into `value`. Expired items are removed and reported as missing.
func (self *MetadataCache) Get(ctx context.Context, key string, value any) (bool, error) {
	item, ok := self.cache.Get(key)
	if !ok {
		itemBytes, err := self.store.GetMetadata(ctx, metadataKeyPrefix+key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		item = &metadataItem{}
		if err := unmarshalStoreValue(itemBytes, item); err != nil {
			return false, err
		}
	}
	if item.expired(nowMillis()) {
		if err := self.Remove(ctx, key); err != nil {
			return false, err
		}
		return false, nil
	}
	self.cache.Add(key, item)
	if value != nil {
		if err := unmarshalStoreValue(item.Value, value); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (self *MetadataCache) Remove(ctx context.Context, key string) error {
	self.cache.Remove(key)
	err := self.store.DeleteMetadata(ctx, metadataKeyPrefix+key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (self *MetadataCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	storeKeys, err := self.store.ListMetadataKeys(ctx, metadataKeyPrefix+prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(storeKeys))
	for _, storeKey := range storeKeys {
		keys = append(keys, strings.TrimPrefix(storeKey, metadataKeyPrefix))
	}
	return keys, nil
}

// Cleanup removes every expired item. Returns the number removed.
func (self *MetadataCache) Cleanup(ctx context.Context) (int, error) {
	keys, err := self.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	now := nowMillis()
	removedCount := 0
	for _, key := range keys {
		itemBytes, err := self.store.GetMetadata(ctx, metadataKeyPrefix+key)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return removedCount, err
		}
		item := &metadataItem{}
		if err := unmarshalStoreValue(itemBytes, item); err != nil {
			// unreadable items are treated as expired
			item.Expires = now
		}
		if item.expired(now) {
			if err := self.Remove(ctx, key); err != nil {
				return removedCount, err
			}
			removedCount += 1
		}
	}
	return removedCount, nil
}
