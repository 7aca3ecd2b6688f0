// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package export

import (
	"container/list"
	"sync"
)

// dedupLRU is a thread-safe bounded set used to deduplicate bug records
// without unbounded memory over a long campaign. Oldest entries are
// evicted first; a re-observed evicted bug is re-reported, which the
// survival analysis tolerates (it keys on first discovery per trial).
type dedupLRU[K comparable] struct {
	capacity int
	items    map[K]*list.Element
	order    *list.List
	mu       sync.Mutex
}

func newDedupLRU[K comparable](capacity int) *dedupLRU[K] {
	return &dedupLRU[K]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

// Seen inserts the key and reports whether it was already present.
func (l *dedupLRU[K]) Seen(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.order.MoveToFront(elem)
		return true
	}
	l.items[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.items, oldest.Value.(K))
		}
	}
	return false
}

// Len returns the number of tracked keys.
func (l *dedupLRU[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
