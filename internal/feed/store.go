package feed

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTerminal is returned when a patch targets an item that is already
	// ready or failed.
	ErrTerminal = errors.New("item is in a terminal state")

	// ErrMissingMessage is returned when an item is moved to error without a reason.
	ErrMissingMessage = errors.New("error status requires a message")
)

// Store holds the tour items of the current session. Every operation is
// atomic with respect to the others.
type Store struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string
	busy  bool
	now   func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan Item
	nextID int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]*Item),
		now:   time.Now,
		subs:  make(map[int]chan Item),
	}
}

// Create inserts a new item in the uploading state and returns its id.
func (s *Store) Create(photos []string, meta *Metadata) string {
	now := s.now().UTC()
	it := &Item{
		ID:        uuid.New().String(),
		Photos:    slices.Clone(photos),
		Status:    StatusUploading,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if meta != nil {
		m := *meta
		it.Metadata = &m
	}

	s.mu.Lock()
	s.items[it.ID] = it
	s.order = append(s.order, it.ID)
	s.publish(*it)
	s.mu.Unlock()

	return it.ID
}

// Update merges p into the item with the given id. An unknown id is not an
// error: the item may have been cleared by a concurrent Reset.
func (s *Store) Update(id string, p Patch) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := p.apply(it, s.now().UTC()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.publish(*it)
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the item with the given id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return it.Clone(), true
}

// Items returns copies of all items in creation order.
func (s *Store) Items() []Item {
	return s.collect(func(Item) bool { return true })
}

// Snapshot is Items under a name that states the intent: the result shares
// no memory with the store.
func (s *Store) Snapshot() []Item {
	return s.Items()
}

// Pending returns the items that have not reached ready or error.
func (s *Store) Pending() []Item {
	return s.collect(func(it Item) bool { return it.Status.Pending() })
}

// Finished returns the items that reached ready.
func (s *Store) Finished() []Item {
	return s.collect(func(it Item) bool { return it.Status == StatusReady })
}

// HasPending reports whether any item is still being worked on.
func (s *Store) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.Status.Pending() {
			return true
		}
	}
	return false
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) collect(keep func(Item) bool) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		it := s.items[id]
		if keep(*it) {
			out = append(out, it.Clone())
		}
	}
	return out
}

// SetBusy sets the advisory busy flag. The store does not act on it.
func (s *Store) SetBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

// Busy returns the advisory busy flag.
func (s *Store) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Reset clears all items and the busy flag.
func (s *Store) Reset() {
	s.mu.Lock()
	s.items = make(map[string]*Item)
	s.order = nil
	s.busy = false
	s.mu.Unlock()
}

// Subscribe returns a channel receiving a copy of each item after every
// successful mutation, and a function that ends the subscription. Updates
// are dropped for a subscriber that is not keeping up.
func (s *Store) Subscribe() (<-chan Item, func()) {
	ch := make(chan Item, 64)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish runs under s.mu so subscribers observe mutations in order.
func (s *Store) publish(it Item) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- it.Clone():
		default:
		}
	}
}
