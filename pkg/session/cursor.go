package session

import (
	"slices"

	"github.com/zhouat/bincat/pkg/cfa"
)

// Cursor is a snapshot of the inspected location. State is nil exactly when
// NodeIDs is empty.
type Cursor struct {
	Address    cfa.Address
	HasAddress bool
	NodeIDs    []cfa.NodeID
	State      *cfa.Node
}

func (c Cursor) clone() Cursor {
	c.NodeIDs = slices.Clone(c.NodeIDs)
	return c
}

type cursorOptions struct {
	force bool
	node  cfa.NodeID
}

type CursorOption func(*cursorOptions)

// WithForce recomputes the cursor even when the address did not change.
func WithForce() CursorOption {
	return func(o *cursorOptions) {
		o.force = true
	}
}

// WithNode selects id when it is mapped to the address.
func WithNode(id cfa.NodeID) CursorOption {
	return func(o *cursorOptions) {
		o.node = id
	}
}

type cursorSubscription struct {
	id            uint64
	before, after func(Cursor)
}

// SubscribeCursor registers hooks bracketing every cursor change. Hooks run
// while the session is locked and must not call back into it.
func (s *Session) SubscribeCursor(before, after func(Cursor)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.cursorSubs = append(s.cursorSubs, cursorSubscription{id: id, before: before, after: after})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cursorSubs = slices.DeleteFunc(s.cursorSubs, func(sub cursorSubscription) bool { return sub.id == id })
	}
}

func (s *Session) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.clone()
}

// SetCursor moves the cursor to addr. Without WithForce it is a no-op when
// addr is the current address.
func (s *Session) SetCursor(addr cfa.Address, opts ...CursorOption) {
	var o cursorOptions
	for _, opt := range opts {
		opt(&o)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCursorLocked(addr, true, o)
}

// SelectNode moves the cursor to the address of node id and selects it.
func (s *Session) SelectNode(id cfa.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfa == nil {
		return ErrNoResult
	}
	n, found := s.cfa.Node(id)
	if !found {
		return ErrUnknownNode
	}
	s.setCursorLocked(n.Address, true, cursorOptions{force: true, node: id})
	return nil
}

// setCursorLocked is the only place the cursor fields are written.
func (s *Session) setCursorLocked(addr cfa.Address, hasAddr bool, o cursorOptions) {
	if !o.force && hasAddr == s.cursor.HasAddress && addr == s.cursor.Address {
		return
	}
	before := s.cursor.clone()
	for _, sub := range s.cursorSubs {
		if sub.before != nil {
			sub.before(before)
		}
	}

	next := Cursor{Address: addr, HasAddress: hasAddr}
	if !hasAddr {
		next.Address = 0
	}
	if hasAddr && s.cfa != nil {
		if ids := s.cfa.NodeIDsAt(addr); len(ids) > 0 {
			selected := ids[0]
			if o.node != "" && slices.Contains(ids, o.node) {
				selected = o.node
			}
			next.NodeIDs = ids
			next.State, _ = s.cfa.Node(selected)
		}
	}
	s.cursor = next

	after := s.cursor.clone()
	for _, sub := range s.cursorSubs {
		if sub.after != nil {
			sub.after(after)
		}
	}
}
