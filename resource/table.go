package resource

import (
	"sync"
)

// Table maps descriptors to live values of type T.
type Table[T any] struct {
	entries   []entry[T]
	freeList  []Handle
	observers []Observer
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

type entry[T any] struct {
	value T
	kind  Kind
	valid bool
}

// NewTable creates an empty descriptor table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries:  make([]entry[T], 0, 8),
		freeList: make([]Handle, 0, 8),
	}
}

// Insert registers a value and returns its descriptor, or 0 if the table is closed.
func (t *Table[T]) Insert(kind Kind, value T) Handle {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}

	e := entry[T]{value: value, kind: kind, valid: true}

	var handle Handle
	if n := len(t.freeList); n > 0 {
		handle = t.freeList[0]
		t.freeList = t.freeList[1:]
		t.entries[handle-1] = e
	} else {
		t.entries = append(t.entries, e)
		handle = Handle(len(t.entries))
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: handle, Kind: kind, Value: value})
	return handle
}

// Get retrieves a value by descriptor.
func (t *Table[T]) Get(handle Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.lookup(handle)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// KindOf returns the kind a descriptor was registered with.
func (t *Table[T]) KindOf(handle Handle) (Kind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.lookup(handle)
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// Remove unregisters a descriptor and returns (value, true) if it was live.
// Values implementing Dropper are dropped after removal.
func (t *Table[T]) Remove(handle Handle) (T, bool) {
	t.mu.Lock()
	e, ok := t.lookup(handle)
	if !ok {
		t.mu.Unlock()
		var zero T
		return zero, false
	}
	value, kind := e.value, e.kind
	t.entries[handle-1] = entry[T]{}
	t.freeList = append(t.freeList, handle)
	t.mu.Unlock()

	if d, ok := any(value).(Dropper); ok {
		d.Drop()
	}

	t.notify(Event{Type: EventDropped, Handle: handle, Kind: kind, Value: value})
	return value, true
}

// Len returns the number of live descriptors.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, e := range t.entries {
		if e.valid {
			count++
		}
	}
	return count
}

// Each iterates over live descriptors until fn returns false.
func (t *Table[T]) Each(fn func(Handle, Kind, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, e := range t.entries {
		if e.valid && !fn(Handle(i+1), e.kind, e.value) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table[T]) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Close removes every live descriptor and stops accepting inserts.
func (t *Table[T]) Close() error {
	var handles []Handle
	t.Each(func(h Handle, _ Kind, _ T) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		t.Remove(h)
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Table[T]) lookup(handle Handle) (entry[T], bool) {
	if handle == 0 || int(handle) > len(t.entries) {
		return entry[T]{}, false
	}
	e := t.entries[handle-1]
	return e, e.valid
}

func (t *Table[T]) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
