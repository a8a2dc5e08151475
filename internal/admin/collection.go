package admin

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/banksync/internal/gateway"
)

const defaultPageSize = 20

type fetchPageFn[Item any] func(ctx context.Context, page int, size int, search string) ([]Item, gateway.PageMeta, error)

// PagedCollection is one independently refreshable operator list. Each
// collection owns its page cursor and, when searchable, its search term;
// refreshing one collection never touches another.
type PagedCollection[Item any] struct {
	fetch      fetchPageFn[Item]
	searchable bool

	mu        sync.Mutex
	items     []Item
	total     int64
	pageIndex int
	pageSize  int
	pageCount int
	search    string
}

func newPagedCollection[Item any](fetch fetchPageFn[Item], pageSize int, searchable bool) *PagedCollection[Item] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &PagedCollection[Item]{
		fetch:      fetch,
		searchable: searchable,
		pageIndex:  1,
		pageSize:   pageSize,
	}
}

// Refresh fetches the current page. The page cursor is clamped to the valid
// range before the fetch and reconciled with the server-reported page count
// after it.
func (collection *PagedCollection[Item]) Refresh(ctx context.Context) error {
	collection.mu.Lock()
	collection.pageIndex = clampPage(collection.pageIndex, collection.pageCount)
	page := collection.pageIndex
	size := collection.pageSize
	search := collection.search
	collection.mu.Unlock()

	items, meta, err := collection.fetch(ctx, page, size, search)
	if err != nil {
		return err
	}

	collection.mu.Lock()
	collection.items = items
	collection.total = meta.Total
	collection.pageCount = meta.Pages
	collection.pageIndex = clampPage(meta.Page, meta.Pages)
	collection.mu.Unlock()
	return nil
}

// SetPage moves the cursor and refreshes only this collection.
func (collection *PagedCollection[Item]) SetPage(ctx context.Context, page int) error {
	collection.mu.Lock()
	collection.pageIndex = clampPage(page, collection.pageCount)
	collection.mu.Unlock()
	return collection.Refresh(ctx)
}

// SetSearch replaces the search term and resets the cursor to the first page;
// a new search implies a new result set, so a stale page index is meaningless.
// Collections without search support ignore the call.
func (collection *PagedCollection[Item]) SetSearch(ctx context.Context, term string) error {
	if !collection.searchable {
		return collection.Refresh(ctx)
	}
	collection.mu.Lock()
	if term != collection.search {
		collection.search = term
		collection.pageIndex = 1
	}
	collection.mu.Unlock()
	return collection.Refresh(ctx)
}

// Items returns the last fetched page.
func (collection *PagedCollection[Item]) Items() []Item {
	collection.mu.Lock()
	defer collection.mu.Unlock()
	return collection.items
}

// Page returns the current page cursor.
func (collection *PagedCollection[Item]) Page() int {
	collection.mu.Lock()
	defer collection.mu.Unlock()
	return collection.pageIndex
}

// PageCount returns the server-reported number of pages.
func (collection *PagedCollection[Item]) PageCount() int {
	collection.mu.Lock()
	defer collection.mu.Unlock()
	return collection.pageCount
}

// Total returns the server-reported row count.
func (collection *PagedCollection[Item]) Total() int64 {
	collection.mu.Lock()
	defer collection.mu.Unlock()
	return collection.total
}

// Search returns the active search term.
func (collection *PagedCollection[Item]) Search() string {
	collection.mu.Lock()
	defer collection.mu.Unlock()
	return collection.search
}

func clampPage(page int, pageCount int) int {
	if page < 1 {
		return 1
	}
	if pageCount >= 1 && page > pageCount {
		return pageCount
	}
	return page
}
