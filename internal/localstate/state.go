// Package localstate holds the client's authoritative view of each list: the
// item snapshot shown to the user and the queues of changes that have not yet
// reached the list server.
//
// Every State method is atomic with respect to every other, so a mutation can
// never land between the read and the clear in ConsumeQueues.
package localstate

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/shoplist/internal/model"
)

var (
	ErrEmptyLabel   = errors.New("label must not be empty")
	ErrInvalidQty   = errors.New("quantity must be at least 1")
	ErrItemNotFound = errors.New("item not found")
)

// IntentStatus is the delivery state of a queued change.
type IntentStatus int

const (
	Pending IntentStatus = iota
	Retrying
	Failed
)

func (s IntentStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("IntentStatus(%d)", int(s))
}

func statusOf(attempts, maxAttempts int) IntentStatus {
	switch {
	case attempts == 0:
		return Pending
	case maxAttempts > 0 && attempts >= maxAttempts:
		return Failed
	default:
		return Retrying
	}
}

// Upsert is a queued create-or-update carrying the item as it was when the
// change was made.
type Upsert struct {
	Item     model.Item `json:"item"`
	Attempts int        `json:"attempts,omitempty"`
}

func (u Upsert) Status(maxAttempts int) IntentStatus { return statusOf(u.Attempts, maxAttempts) }

// Deletion is a queued delete of an item id.
type Deletion struct {
	ID       string `json:"id"`
	Attempts int    `json:"attempts,omitempty"`
}

func (d Deletion) Status(maxAttempts int) IntentStatus { return statusOf(d.Attempts, maxAttempts) }

// Batch is the content of both queues of one list.
type Batch struct {
	Upserts   []Upsert
	Deletions []Deletion
}

func (b Batch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Deletions) == 0
}

// DeletionIDs returns the ids of the queued deletions in queue order.
func (b Batch) DeletionIDs() []string {
	ids := make([]string, len(b.Deletions))
	for i, d := range b.Deletions {
		ids[i] = d.ID
	}
	return ids
}

// ListSnapshot is one list's items, most recent first, and its queues.
type ListSnapshot struct {
	Items     []model.Item `json:"items"`
	Upserts   []Upsert     `json:"upserts"`
	Deletions []Deletion   `json:"deletions"`
}

func (l *ListSnapshot) clone() ListSnapshot {
	return ListSnapshot{
		Items:     slices.Clone(l.Items),
		Upserts:   slices.Clone(l.Upserts),
		Deletions: slices.Clone(l.Deletions),
	}
}

func (l *ListSnapshot) index(id string) int {
	return slices.IndexFunc(l.Items, func(it model.Item) bool { return it.ID == id })
}

func (l *ListSnapshot) pendingDeletion(id string) bool {
	return slices.ContainsFunc(l.Deletions, func(d Deletion) bool { return d.ID == id })
}

// Snapshot is everything a State persists.
type Snapshot struct {
	Lists map[string]ListSnapshot `json:"lists"`
}

// Persister stores and restores a Snapshot.
type Persister interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// State is the in-memory list state. The zero value is not usable; use New
// or Open.
type State struct {
	mu    sync.Mutex
	lists map[string]*ListSnapshot

	saveMu    sync.Mutex
	persister Persister

	now   func() time.Time
	newID func() string
}

// New returns an empty State without persistence.
func New() *State {
	return &State{
		lists: make(map[string]*ListSnapshot),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Open restores a State from p. Later calls to Save write back to p.
func Open(p Persister) (*State, error) {
	snap, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	s := New()
	s.persister = p
	for id, l := range snap.Lists {
		l := l.clone()
		s.lists[id] = &l
	}
	return s, nil
}

// Save writes the current state to the persister, if any. Saves are
// serialized so an older snapshot never overwrites a newer one.
func (s *State) Save() error {
	if s.persister == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	snap := Snapshot{Lists: make(map[string]ListSnapshot, len(s.lists))}
	for id, l := range s.lists {
		snap.Lists[id] = l.clone()
	}
	s.mu.Unlock()

	if err := s.persister.Save(snap); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// list returns the list for id, creating it empty. Caller holds s.mu.
func (s *State) list(listID string) *ListSnapshot {
	l, ok := s.lists[listID]
	if !ok {
		l = &ListSnapshot{}
		s.lists[listID] = l
	}
	return l
}

// Load replaces the snapshot of listID with items. The queues are kept;
// items with a pending deletion are left out.
func (s *State) Load(listID string, items []model.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(listID)
	l.Items = make([]model.Item, 0, len(items))
	for _, it := range items {
		if l.pendingDeletion(it.ID) {
			continue
		}
		l.Items = append(l.Items, it)
	}
}

// Add creates an item with a fresh id at the front of the list and queues
// it for upload. A qty of 0 means 1.
func (s *State) Add(listID, label string, qty int) (model.Item, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return model.Item{}, ErrEmptyLabel
	}
	if qty == 0 {
		qty = 1
	}
	if qty < 1 {
		return model.Item{}, ErrInvalidQty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(listID)
	id := s.newID()
	for l.index(id) >= 0 || l.pendingDeletion(id) {
		id = s.newID()
	}

	item := model.Item{
		ID:        id,
		Label:     label,
		Done:      false,
		Qty:       qty,
		UpdatedAt: s.now(),
	}
	l.Items = slices.Insert(l.Items, 0, item)
	l.Upserts = slices.Insert(l.Upserts, 0, Upsert{Item: item})
	return item, nil
}

// Toggle flips the done state of an item and queues the updated item.
func (s *State) Toggle(listID, id string) (model.Item, error) {
	return s.update(listID, id, func(it *model.Item) { it.Done = !it.Done })
}

// SetQty sets the quantity of an item and queues the updated item.
func (s *State) SetQty(listID, id string, qty int) (model.Item, error) {
	if qty < 1 {
		return model.Item{}, ErrInvalidQty
	}
	return s.update(listID, id, func(it *model.Item) { it.Qty = qty })
}

func (s *State) update(listID, id string, fn func(*model.Item)) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(listID)
	i := l.index(id)
	if i < 0 {
		return model.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	item := l.Items[i]
	fn(&item)
	// The server keeps the newest write, so a change must always be later
	// than the version it replaces.
	now := s.now()
	if !now.After(item.UpdatedAt) {
		now = item.UpdatedAt.Add(time.Nanosecond)
	}
	item.UpdatedAt = now
	l.Items[i] = item
	l.Upserts = slices.Insert(l.Upserts, 0, Upsert{Item: item})
	return item, nil
}

// Remove drops an item from the snapshot and queues its deletion.
func (s *State) Remove(listID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(listID)
	i := l.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	l.Items = slices.Delete(l.Items, i, i+1)
	l.Deletions = slices.Insert(l.Deletions, 0, Deletion{ID: id})
	return nil
}

// ClearBought drops every done item in one step, queues their deletion in
// list order behind any earlier deletions, and returns their ids.
func (s *State) ClearBought(listID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(listID)
	var ids []string
	remaining := l.Items[:0:0]
	for _, it := range l.Items {
		if it.Done {
			ids = append(ids, it.ID)
			l.Deletions = append(l.Deletions, Deletion{ID: it.ID})
			continue
		}
		remaining = append(remaining, it)
	}
	l.Items = remaining
	return ids
}

// ConsumeQueues returns and clears both queues of listID in one step.
func (s *State) ConsumeQueues(listID string) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[listID]
	if !ok {
		return Batch{}
	}
	b := Batch{Upserts: l.Upserts, Deletions: l.Deletions}
	l.Upserts, l.Deletions = nil, nil
	return b
}

// Requeue puts failed intents back behind the ones queued since they were
// consumed, counting one more attempt each. Intents reaching maxAttempts are
// not requeued and are returned instead. An upsert whose item has a deletion
// queued, either in failed or since, is discarded. An item that is only
// missing from the snapshot, for example after a Load, keeps its upsert.
// maxAttempts <= 0 retries forever.
func (s *State) Requeue(listID string, failed Batch, maxAttempts int) (dropped Batch) {
	if failed.Empty() {
		return Batch{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(listID)
	for _, u := range failed.Upserts {
		if l.pendingDeletion(u.Item.ID) || slices.Contains(failed.DeletionIDs(), u.Item.ID) {
			continue
		}
		u.Attempts++
		if u.Status(maxAttempts) == Failed {
			dropped.Upserts = append(dropped.Upserts, u)
			continue
		}
		l.Upserts = append(l.Upserts, u)
	}
	for _, d := range failed.Deletions {
		d.Attempts++
		if d.Status(maxAttempts) == Failed {
			dropped.Deletions = append(dropped.Deletions, d)
			continue
		}
		l.Deletions = append(l.Deletions, d)
	}
	return dropped
}

// Items returns a copy of the snapshot of listID.
func (s *State) Items(listID string) []model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[listID]
	if !ok {
		return []model.Item{}
	}
	items := slices.Clone(l.Items)
	if items == nil {
		items = []model.Item{}
	}
	return items
}

// List returns a copy of the snapshot and queues of listID.
func (s *State) List(listID string) ListSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[listID]
	if !ok {
		return ListSnapshot{}
	}
	return l.clone()
}

// Pending returns the number of queued upserts and deletions for listID.
func (s *State) Pending(listID string) (upserts, deletions int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[listID]
	if !ok {
		return 0, 0
	}
	return len(l.Upserts), len(l.Deletions)
}

// Lists returns the ids of all known lists, sorted.
func (s *State) Lists() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.lists))
	for id := range s.lists {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
