package upsert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/cdf/internal/store"
)

// Cache memoises natural key to id lookups for one load.
type Cache struct {
	mu  sync.RWMutex
	ids map[string]int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{ids: make(map[string]int64)}
}

func cacheKey(table string, key Values) string {
	var b strings.Builder
	b.WriteString(table)
	for _, c := range key.columns() {
		fmt.Fprintf(&b, "\x00%s=%v", c, key[c])
	}
	return b.String()
}

func (c *Cache) get(table string, key Values) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[cacheKey(table, key)]
	return id, ok
}

func (c *Cache) put(table string, key Values, id int64) {
	c.mu.Lock()
	c.ids[cacheKey(table, key)] = id
	c.mu.Unlock()
}

// Len returns the number of cached ids.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// SeedEnumerations get-or-creates every fixed enumeration value.
func SeedEnumerations(ctx context.Context, e *Engine) error {
	tables := make([]string, 0, len(store.Enumerations))
	for t := range store.Enumerations {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, t := range tables {
		for _, txt := range store.Enumerations[t] {
			if _, err := e.GetOrCreate(ctx, t, Values{"txt": txt}, nil); err != nil {
				return fmt.Errorf("seed %s %q: %w", t, txt, err)
			}
		}
	}
	return nil
}

// EnumID returns the id of an enumeration value.
func EnumID(ctx context.Context, e *Engine, table, txt string) (int64, error) {
	return e.Lookup(ctx, table, Values{"txt": txt})
}
