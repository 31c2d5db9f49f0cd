package overrides

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/zhouat/bincat/pkg/cfa"
)

var ErrIndexOutOfRange = errors.New("override index out of range")

// Override is a manual fact injected into the next analysis request.
type Override struct {
	Address   cfa.Address `json:"address"`
	Register  string      `json:"register"`
	TaintMask string      `json:"taint_mask"`
}

type subscription struct {
	id        uint64
	pre, post func()
}

// List is an ordered collection of overrides. Every mutation is bracketed by
// the pre and post hooks of all subscribers, once per call.
//
// Hooks are called with the list lock released, so they may read the list.
type List struct {
	mu      sync.RWMutex
	items   []Override
	subsMu  sync.Mutex
	subs    []subscription
	nextSub uint64
}

func New(items ...Override) *List {
	return &List{items: slices.Clone(items)}
}

// Subscribe registers mutation hooks. Either hook may be nil.
func (l *List) Subscribe(pre, post func()) (unsubscribe func()) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscription{id: id, pre: pre, post: post})
	return func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		l.subs = slices.DeleteFunc(l.subs, func(s subscription) bool { return s.id == id })
	}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

func (l *List) Get(i int) (Override, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.items) {
		return Override{}, fmt.Errorf("get %d of %d: %w", i, len(l.items), ErrIndexOutOfRange)
	}
	return l.items[i], nil
}

// All returns a copy of the entries in order.
func (l *List) All() []Override {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

func (l *List) Set(i int, o Override) error {
	return l.mutate(func(items []Override) ([]Override, error) {
		if i < 0 || i >= len(items) {
			return nil, fmt.Errorf("set %d of %d: %w", i, len(items), ErrIndexOutOfRange)
		}
		items[i] = o
		return items, nil
	})
}

// Insert places o before index i. i == Len() appends.
func (l *List) Insert(i int, o Override) error {
	return l.mutate(func(items []Override) ([]Override, error) {
		if i < 0 || i > len(items) {
			return nil, fmt.Errorf("insert at %d of %d: %w", i, len(items), ErrIndexOutOfRange)
		}
		return slices.Insert(items, i, o), nil
	})
}

func (l *List) Append(o Override) {
	_ = l.mutate(func(items []Override) ([]Override, error) {
		return append(items, o), nil
	})
}

func (l *List) Delete(i int) error {
	return l.mutate(func(items []Override) ([]Override, error) {
		if i < 0 || i >= len(items) {
			return nil, fmt.Errorf("delete %d of %d: %w", i, len(items), ErrIndexOutOfRange)
		}
		return slices.Delete(items, i, i+1), nil
	})
}

// Replace swaps the whole content as a single mutation.
func (l *List) Replace(items []Override) {
	_ = l.mutate(func([]Override) ([]Override, error) {
		return slices.Clone(items), nil
	})
}

func (l *List) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(l.All())
}

// UnmarshalJSON replaces the content; subscribers see one mutation.
func (l *List) UnmarshalJSON(data []byte) error {
	var items []Override
	if err := jsoniter.Unmarshal(data, &items); err != nil {
		return err
	}
	l.Replace(items)
	return nil
}

// mutate validates under the read lock so invalid calls never fire hooks.
func (l *List) mutate(fn func([]Override) ([]Override, error)) error {
	l.mu.RLock()
	_, err := fn(slices.Clone(l.items))
	l.mu.RUnlock()
	if err != nil {
		return err
	}

	l.subsMu.Lock()
	subs := slices.Clone(l.subs)
	l.subsMu.Unlock()

	for _, s := range subs {
		if s.pre != nil {
			s.pre()
		}
	}
	l.mu.Lock()
	items, err := fn(l.items)
	if err == nil {
		l.items = items
	}
	l.mu.Unlock()
	for _, s := range subs {
		if s.post != nil {
			s.post()
		}
	}
	return err
}
