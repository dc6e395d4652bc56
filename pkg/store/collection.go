package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("record already exists")
	ErrInvalidKey = errors.New("record has no key")
	ErrKeyChanged = errors.New("patch changed the record key")
	ErrNotOrdered = errors.New("collection has no order field")
)

// Record is what a Collection can hold. Clone must return a copy that shares
// no mutable state with the receiver.
type Record[T any] interface {
	Key() string
	Clone() T
}

// Listener receives a sorted snapshot that it owns.
type Listener[T any] func([]T)

// Collection is one entity group: a keyed set of records plus the observers
// of that group.
//
// Every mutation applies completely or not at all, re-sorts, and then
// delivers the new snapshot to each listener in subscription order before
// returning. If another goroutine is already delivering, or a listener
// mutates the collection from inside its callback, the delivering goroutine
// picks the change up and emits it right after the current round. Listeners
// are never invoked concurrently and never observe an older snapshot after a
// newer one.
type Collection[T Record[T]] struct {
	name     string
	less     func(a, b T) bool
	setOrder func(*T, int)

	mu       sync.Mutex
	items    map[string]T
	version  uint64
	subs     []*subscription[T]
	draining bool
	pending  bool
}

type subscription[T any] struct {
	fn     Listener[T]
	seen   uint64
	closed atomic.Bool
}

// NewCollection builds an empty collection. setOrder may be nil for groups
// without an order field; BulkReorder then fails with ErrNotOrdered.
func NewCollection[T Record[T]](name string, less func(a, b T) bool, setOrder func(*T, int)) *Collection[T] {
	return &Collection[T]{
		name:     name,
		less:     less,
		setOrder: setOrder,
		items:    make(map[string]T),
		version:  1,
	}
}

func (c *Collection[T]) Name() string { return c.name }

// Subscribe registers fn and invokes it with the current snapshot. When no
// other delivery is running that happens before Subscribe returns. Called
// from inside a listener, or while another goroutine delivers, the first
// snapshot reaches fn from that delivery right after its current round, still
// before the mutation that started it returns. The returned function removes
// the listener; calling it more than once is safe.
func (c *Collection[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	sub := &subscription[T]{fn: fn}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.publish()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)
			c.mu.Lock()
			c.subs = slices.DeleteFunc(c.subs, func(s *subscription[T]) bool { return s == sub })
			c.mu.Unlock()
		})
	}
}

// Get returns a copy of the record stored under key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	return item.Clone(), true
}

func (c *Collection[T]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// List returns a sorted copy of every record.
func (c *Collection[T]) List() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Filter returns a sorted copy of the records keep accepts.
func (c *Collection[T]) Filter(keep func(T) bool) []T {
	all := c.List()
	return slices.DeleteFunc(all, func(item T) bool { return !keep(item) })
}

// Insert adds a record whose key must not exist yet.
func (c *Collection[T]) Insert(item T) error {
	key := item.Key()
	if key == "" {
		return ErrInvalidKey
	}
	c.mu.Lock()
	if _, ok := c.items[key]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%s %q: %w", c.name, key, ErrDuplicate)
	}
	c.items[key] = item.Clone()
	c.version++
	c.mu.Unlock()

	c.publish()
	return nil
}

// Upsert inserts or replaces the record under its key.
func (c *Collection[T]) Upsert(item T) error {
	key := item.Key()
	if key == "" {
		return ErrInvalidKey
	}
	c.mu.Lock()
	c.items[key] = item.Clone()
	c.version++
	c.mu.Unlock()

	c.publish()
	return nil
}

// Patch applies fn to a copy of the record and stores the copy only when fn
// succeeds. The patched record is returned.
func (c *Collection[T]) Patch(key string, fn func(*T) error) (T, error) {
	var zero T

	c.mu.Lock()
	current, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return zero, fmt.Errorf("%s %q: %w", c.name, key, ErrNotFound)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		c.mu.Unlock()
		return zero, err
	}
	if next.Key() != key {
		c.mu.Unlock()
		return zero, fmt.Errorf("%s %q: %w", c.name, key, ErrKeyChanged)
	}
	c.items[key] = next
	c.version++
	out := next.Clone()
	c.mu.Unlock()

	c.publish()
	return out, nil
}

// Remove deletes the record under key and returns it.
func (c *Collection[T]) Remove(key string) (T, error) {
	c.mu.Lock()
	item, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero T
		return zero, fmt.Errorf("%s %q: %w", c.name, key, ErrNotFound)
	}
	delete(c.items, key)
	c.version++
	c.mu.Unlock()

	c.publish()
	return item, nil
}

// RemoveWhere deletes every record match accepts, emitting once.
func (c *Collection[T]) RemoveWhere(match func(T) bool) int {
	c.mu.Lock()
	n := 0
	for key, item := range c.items {
		if match(item) {
			delete(c.items, key)
			n++
		}
	}
	if n > 0 {
		c.version++
	}
	c.mu.Unlock()

	if n > 0 {
		c.publish()
	}
	return n
}

// Replace swaps the whole content of the collection. Records without a key
// are skipped.
func (c *Collection[T]) Replace(items []T) {
	next := make(map[string]T, len(items))
	for _, item := range items {
		if key := item.Key(); key != "" {
			next[key] = item.Clone()
		}
	}

	c.mu.Lock()
	c.items = next
	c.version++
	c.mu.Unlock()

	c.publish()
}

// ReplaceWith swaps the whole content for what build returns. build runs
// under the collection lock with a copy of the current records, so no write
// can land between reading them and storing the result. build must not call
// back into the collection.
func (c *Collection[T]) ReplaceWith(build func(current map[string]T) []T) {
	c.mu.Lock()
	current := make(map[string]T, len(c.items))
	for key, item := range c.items {
		current[key] = item.Clone()
	}
	items := build(current)
	next := make(map[string]T, len(items))
	for _, item := range items {
		if key := item.Key(); key != "" {
			next[key] = item.Clone()
		}
	}
	c.items = next
	c.version++
	c.mu.Unlock()

	c.publish()
}

// UpsertWith stores what fn derives from the record currently under key,
// read and written under one lock. ok reports whether a record existed. Like
// ReplaceWith, fn must not call back into the collection.
func (c *Collection[T]) UpsertWith(key string, fn func(current T, ok bool) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return zero, ErrInvalidKey
	}

	c.mu.Lock()
	current, ok := c.items[key]
	if ok {
		current = current.Clone()
	}
	next, err := fn(current, ok)
	if err != nil {
		c.mu.Unlock()
		return zero, err
	}
	if next.Key() != key {
		c.mu.Unlock()
		return zero, fmt.Errorf("%s %q: %w", c.name, key, ErrKeyChanged)
	}
	c.items[key] = next.Clone()
	c.version++
	c.mu.Unlock()

	c.publish()
	return next, nil
}

// Update hands fn a copy of every record keyed by its key and stores the copy
// when fn succeeds, emitting once. An error from fn, or a record filed under
// a key other than its own, leaves the collection untouched. fn must not call
// back into the collection.
func (c *Collection[T]) Update(fn func(items map[string]T) error) error {
	c.mu.Lock()
	next := make(map[string]T, len(c.items))
	for key, item := range c.items {
		next[key] = item.Clone()
	}
	if err := fn(next); err != nil {
		c.mu.Unlock()
		return err
	}
	for key, item := range next {
		if key == "" || item.Key() != key {
			c.mu.Unlock()
			return fmt.Errorf("%s %q: %w", c.name, key, ErrKeyChanged)
		}
	}
	c.items = next
	c.version++
	c.mu.Unlock()

	c.publish()
	return nil
}

// BulkReorder assigns Order = position for keys, which must all exist.
// Records not listed keep their relative order and follow the listed ones.
func (c *Collection[T]) BulkReorder(keys []string) error {
	return c.ReorderGroup(keys, func(T) bool { return true })
}

// ReorderGroup is BulkReorder restricted to the records inGroup accepts. Every
// key must name a record of the group; the group ends up with the dense
// sequence 0..n-1.
func (c *Collection[T]) ReorderGroup(keys []string, inGroup func(T) bool) error {
	if c.setOrder == nil {
		return fmt.Errorf("%s: %w", c.name, ErrNotOrdered)
	}

	c.mu.Lock()
	listed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		item, ok := c.items[key]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%s %q: %w", c.name, key, ErrNotFound)
		}
		if !inGroup(item) {
			c.mu.Unlock()
			return fmt.Errorf("%s %q does not belong to the reordered group", c.name, key)
		}
		if _, dup := listed[key]; dup {
			c.mu.Unlock()
			return fmt.Errorf("%s %q listed twice: %w", c.name, key, ErrDuplicate)
		}
		listed[key] = struct{}{}
	}

	sequence := append([]string(nil), keys...)
	for _, item := range c.snapshotLocked() {
		if !inGroup(item) {
			continue
		}
		if _, ok := listed[item.Key()]; !ok {
			sequence = append(sequence, item.Key())
		}
	}
	for i, key := range sequence {
		item := c.items[key].Clone()
		c.setOrder(&item, i)
		c.items[key] = item
	}
	c.version++
	c.mu.Unlock()

	c.publish()
	return nil
}

// NextOrder is the order a new record appended to the group should get.
func (c *Collection[T]) NextOrder(inGroup func(T) bool, order func(T) int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := 0
	for _, item := range c.items {
		if inGroup(item) && order(item) >= next {
			next = order(item) + 1
		}
	}
	return next
}

func (c *Collection[T]) snapshotLocked() []T {
	out := make([]T, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.Clone())
	}
	slices.SortFunc(out, func(a, b T) int {
		switch {
		case c.less(a, b):
			return -1
		case c.less(b, a):
			return 1
		default:
			return 0
		}
	})
	return out
}

// publish delivers the latest snapshot to every listener that has not seen
// it yet. Only one goroutine delivers at a time; others leave a note for it.
func (c *Collection[T]) publish() {
	c.mu.Lock()
	if c.draining {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.draining = true

	for {
		c.pending = false
		version := c.version
		snapshot := c.snapshotLocked()
		subs := append([]*subscription[T](nil), c.subs...)
		c.mu.Unlock()

		for _, sub := range subs {
			if sub.closed.Load() || sub.seen >= version {
				continue
			}
			sub.seen = version
			sub.fn(cloneAll(snapshot))
		}

		c.mu.Lock()
		if !c.pending {
			c.draining = false
			c.mu.Unlock()
			return
		}
	}
}

func cloneAll[T Record[T]](items []T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}
