package item

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/crawlchain/internal/domain"
)

// Validate drops items missing a required field, and items whose "url" was
// already seen during the crawl.
type Validate struct {
	required []string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewValidate(required ...string) *Validate {
	return &Validate{required: required, seen: make(map[string]struct{})}
}

func (v *Validate) Open(context.Context, *domain.Spider) error {
	v.mu.Lock()
	v.seen = make(map[string]struct{})
	v.mu.Unlock()
	return nil
}

func (v *Validate) ProcessItem(_ context.Context, it domain.Item, _ *domain.Spider) (domain.Item, error) {
	for _, field := range v.required {
		if val, ok := it[field]; !ok || val == nil || val == "" {
			return nil, &DropItemError{Reason: fmt.Sprintf("missing field %q", field)}
		}
	}
	u, ok := it["url"].(string)
	if !ok {
		return it, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dup := v.seen[u]; dup {
		return nil, &DropItemError{Reason: "duplicate item for " + u}
	}
	v.seen[u] = struct{}{}
	return it, nil
}

// ItemStore persists items.
type ItemStore interface {
	SaveItem(ctx context.Context, spider string, it domain.Item) error
}

// Store writes every item to an ItemStore.
type Store struct {
	store ItemStore
}

func NewStore(store ItemStore) *Store {
	return &Store{store: store}
}

func (s *Store) ProcessItem(ctx context.Context, it domain.Item, spider *domain.Spider) (domain.Item, error) {
	name := ""
	if spider != nil {
		name = spider.Name
	}
	if err := s.store.SaveItem(ctx, name, it); err != nil {
		return nil, fmt.Errorf("store item: %w", err)
	}
	return it, nil
}
