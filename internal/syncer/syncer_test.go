package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/shoplist/internal/database"
	"github.com/dukerupert/shoplist/internal/localstate"
	"github.com/dukerupert/shoplist/internal/model"
	"github.com/dukerupert/shoplist/internal/remote"
	"github.com/dukerupert/shoplist/internal/server"
)

const listID = "list-1"

var (
	errNotFound = &remote.APIError{StatusCode: http.StatusNotFound, Message: "item not found"}
	errServer   = &remote.APIError{StatusCode: http.StatusInternalServerError, Message: "db down"}
)

// fakeRemote keeps items in memory and records every call.
type fakeRemote struct {
	mu      sync.Mutex
	items   map[string]model.Item
	calls   []string
	creates []model.NewItem
	patches []model.ItemPatch

	updateErr map[string]error
	createErr map[string]error
	deleteErr map[string]error

	// entered and release let a test hold a call in flight.
	entered chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		items:     make(map[string]model.Item),
		updateErr: make(map[string]error),
		createErr: make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeRemote) hold() {
	if f.entered == nil {
		return
	}
	f.entered <- struct{}{}
	<-f.release
}

func (f *fakeRemote) UpdateItem(ctx context.Context, listID, itemID string, patch model.ItemPatch) (*model.Item, error) {
	f.hold()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update "+itemID)
	f.patches = append(f.patches, patch)
	if err := f.updateErr[itemID]; err != nil {
		return nil, err
	}
	it, ok := f.items[itemID]
	if !ok {
		return nil, errNotFound
	}
	it.Label, it.Done, it.Qty, it.UpdatedAt = *patch.Label, *patch.Done, *patch.Qty, *patch.UpdatedAt
	f.items[itemID] = it
	return &it, nil
}

func (f *fakeRemote) CreateItem(ctx context.Context, listID string, item model.NewItem) (*model.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create "+item.ID)
	f.creates = append(f.creates, item)
	if err := f.createErr[item.ID]; err != nil {
		return nil, err
	}
	it := model.Item{ID: item.ID, Label: item.Label, Done: item.Done, Qty: *item.Qty, UpdatedAt: *item.UpdatedAt}
	f.items[item.ID] = it
	return &it, nil
}

func (f *fakeRemote) DeleteItem(ctx context.Context, listID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+itemID)
	if err := f.deleteErr[itemID]; err != nil {
		return err
	}
	if _, ok := f.items[itemID]; !ok {
		return errNotFound
	}
	delete(f.items, itemID)
	return nil
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeRemote) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

// countingPersister counts saves.
type countingPersister struct {
	mu    sync.Mutex
	saves int
}

func (p *countingPersister) Load() (localstate.Snapshot, error) {
	return localstate.Snapshot{}, nil
}

func (p *countingPersister) Save(localstate.Snapshot) error {
	p.mu.Lock()
	p.saves++
	p.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSyncer(t *testing.T, r Remote, cfg Config) (*Syncer, *localstate.State) {
	t.Helper()
	st := localstate.New()
	s := New(st, r, cfg, testLogger())
	t.Cleanup(s.StopAll)
	return s, st
}

func TestFlushCreatesUnknownItem(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	item, _ := st.Add(listID, "milk", 2)
	res, err := s.Flush(context.Background(), listID)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Created != 1 || res.Updated != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want one create", res)
	}

	want := []string{"update " + item.ID, "create " + item.ID}
	if got := fake.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	c := fake.creates[0]
	if c.ID != item.ID || c.Label != "milk" || *c.Qty != 2 || c.Done || !c.UpdatedAt.Equal(item.UpdatedAt) {
		t.Errorf("create payload = %+v, want the local item", c)
	}
	if up, del := st.Pending(listID); up != 0 || del != 0 {
		t.Errorf("pending = (%d, %d), want empty", up, del)
	}
}

func TestFlushUpdatesExistingItem(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	item, _ := st.Add(listID, "eggs", 6)
	s.Flush(context.Background(), listID)
	toggled, _ := st.Toggle(listID, item.ID)

	res, err := s.Flush(context.Background(), listID)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Updated != 1 || res.Created != 0 {
		t.Errorf("result = %+v, want one update", res)
	}
	p := fake.patches[len(fake.patches)-1]
	if p.Label == nil || p.Done == nil || p.Qty == nil || p.UpdatedAt == nil {
		t.Fatalf("patch = %+v, want every field set", p)
	}
	if !*p.Done || *p.Qty != 6 || !p.UpdatedAt.Equal(toggled.UpdatedAt) {
		t.Errorf("patch = %+v, want toggled item", p)
	}
	if !fake.items[item.ID].Done {
		t.Error("remote item not updated")
	}
}

func TestFlushOnlyCreatesOnNotFound(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	item, _ := st.Add(listID, "bread", 1)
	fake.updateErr[item.ID] = errServer

	res, _ := s.Flush(context.Background(), listID)
	if res.Failed != 1 || res.Created != 0 {
		t.Errorf("result = %+v, want one failure and no create", res)
	}
	if slices.Contains(fake.Calls(), "create "+item.ID) {
		t.Error("server error must not fall back to create")
	}

	snap := st.List(listID)
	if len(snap.Upserts) != 1 || snap.Upserts[0].Attempts != 1 {
		t.Errorf("upserts = %+v, want the item requeued once", snap.Upserts)
	}
	if got := snap.Upserts[0].Status(5); got != localstate.Retrying {
		t.Errorf("status = %v, want retrying", got)
	}
}

func TestFlushDeletes(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	a, _ := st.Add(listID, "a", 1)
	b, _ := st.Add(listID, "b", 1)
	s.Flush(context.Background(), listID)

	st.Remove(listID, a.ID)
	st.Remove(listID, b.ID)
	// b is already gone on the server; that still counts as deleted.
	delete(fake.items, b.ID)

	res, err := s.Flush(context.Background(), listID)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Deleted != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want two deletes", res)
	}
	calls := fake.Calls()
	want := []string{"delete " + b.ID, "delete " + a.ID}
	if got := calls[len(calls)-2:]; !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v last", calls, want)
	}
	if fake.Has(a.ID) {
		t.Error("a still on server")
	}
}

func TestFlushFailureDoesNotAbortBatch(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	gone, _ := st.Add(listID, "gone", 1)
	s.Flush(context.Background(), listID)
	st.Remove(listID, gone.ID)
	bad, _ := st.Add(listID, "bad", 1)
	good, _ := st.Add(listID, "good", 1)
	fake.updateErr[bad.ID] = errServer

	res, _ := s.Flush(context.Background(), listID)
	if res.Created != 1 || res.Deleted != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 created, 1 deleted, 1 failed", res)
	}
	if !fake.Has(good.ID) || fake.Has(gone.ID) {
		t.Error("healthy intents were not applied")
	}
}

func TestFlushDropsAfterMaxAttempts(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{MaxAttempts: 2})

	a, _ := st.Add(listID, "a", 1)
	s.Flush(context.Background(), listID)
	st.Remove(listID, a.ID)
	fake.deleteErr[a.ID] = errServer

	first, _ := s.Flush(context.Background(), listID)
	if first.Failed != 1 || first.Dropped != 0 {
		t.Errorf("first = %+v, want one failure", first)
	}
	second, _ := s.Flush(context.Background(), listID)
	if second.Failed != 0 || second.Dropped != 1 {
		t.Errorf("second = %+v, want one dropped", second)
	}
	if up, del := st.Pending(listID); up != 0 || del != 0 {
		t.Errorf("pending = (%d, %d), want empty", up, del)
	}
	third, _ := s.Flush(context.Background(), listID)
	if third != (Result{At: third.At}) {
		t.Errorf("third = %+v, want nothing to do", third)
	}
}

func TestFlushCreateConflictIsRequeued(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	item, _ := st.Add(listID, "tea", 1)
	fake.createErr[item.ID] = &remote.APIError{StatusCode: http.StatusConflict}

	res, _ := s.Flush(context.Background(), listID)
	if res.Failed != 1 {
		t.Errorf("result = %+v, want one failure", res)
	}
	if up, _ := st.Pending(listID); up != 1 {
		t.Errorf("pending upserts = %d, want 1", up)
	}
}

func TestFlushRequeuesItemMissingAfterLoad(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	bread, _ := st.Add(listID, "offline bread", 1)
	// A refresh from a server that has not seen the item yet.
	st.Load(listID, nil)
	fake.updateErr[bread.ID] = errServer

	res, _ := s.Flush(context.Background(), listID)
	if res.Failed != 1 || res.Dropped != 0 {
		t.Errorf("result = %+v, want one failure", res)
	}
	snap := st.List(listID)
	if len(snap.Upserts) != 1 || snap.Upserts[0].Item.ID != bread.ID {
		t.Fatalf("upserts = %+v, want bread requeued", snap.Upserts)
	}

	delete(fake.updateErr, bread.ID)
	if res, _ := s.Flush(context.Background(), listID); res.Created != 1 {
		t.Errorf("retry = %+v, want bread created", res)
	}
	if !fake.Has(bread.ID) {
		t.Error("bread never reached the server")
	}
}

func TestFlushDoesNotRequeueUpsertOfDeletedItem(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{})

	item, _ := st.Add(listID, "typo", 1)
	st.Remove(listID, item.ID)
	fake.createErr[item.ID] = errServer

	res, _ := s.Flush(context.Background(), listID)
	if res.Failed != 0 || res.Deleted != 1 {
		t.Errorf("result = %+v, want the delete and nothing requeued", res)
	}
	if up, del := st.Pending(listID); up != 0 || del != 0 {
		t.Errorf("pending = (%d, %d), want empty", up, del)
	}
}

func TestFlushInFlight(t *testing.T) {
	fake := newFakeRemote()
	fake.entered = make(chan struct{})
	fake.release = make(chan struct{})
	s, st := newTestSyncer(t, fake, Config{})
	st.Add(listID, "slow", 1)

	done := make(chan Result)
	go func() {
		res, _ := s.Flush(context.Background(), listID)
		done <- res
	}()
	<-fake.entered

	if _, err := s.Flush(context.Background(), listID); !errors.Is(err, ErrTickInFlight) {
		t.Errorf("err = %v, want ErrTickInFlight", err)
	}
	if _, err := s.Flush(context.Background(), "other-list"); err != nil {
		t.Errorf("other list: err = %v, want nil", err)
	}

	close(fake.release)
	if res := <-done; res.Created != 1 {
		t.Errorf("result = %+v, want one create", res)
	}
	if _, err := s.Flush(context.Background(), listID); err != nil {
		t.Errorf("after finish: err = %v, want nil", err)
	}
}

func TestFlushSavesState(t *testing.T) {
	p := &countingPersister{}
	st, err := localstate.Open(p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(st, newFakeRemote(), Config{}, testLogger())

	st.Add(listID, "x", 1)
	if _, err := s.Flush(context.Background(), listID); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if p.saves != 1 {
		t.Errorf("saves = %d, want 1", p.saves)
	}
}

func TestStartStop(t *testing.T) {
	fake := newFakeRemote()
	s, st := newTestSyncer(t, fake, Config{Interval: 5 * time.Millisecond})

	s.Start(context.Background(), listID)
	s.Start(context.Background(), listID)

	item, _ := st.Add(listID, "cheese", 1)
	deadline := time.Now().Add(2 * time.Second)
	for !fake.Has(item.ID) {
		if time.Now().After(deadline) {
			t.Fatal("item never synced")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop(listID)
	s.Stop(listID)

	if _, ok := s.LastResult(listID); !ok {
		t.Error("expected a last result")
	}
	calls := len(fake.Calls())
	st.Add(listID, "after stop", 1)
	time.Sleep(30 * time.Millisecond)
	if got := len(fake.Calls()); got != calls {
		t.Errorf("calls after stop = %d, want %d", got, calls)
	}
}

func TestStopWaitsForTick(t *testing.T) {
	fake := newFakeRemote()
	fake.entered = make(chan struct{})
	fake.release = make(chan struct{})
	s, st := newTestSyncer(t, fake, Config{Interval: time.Millisecond})

	item, _ := st.Add(listID, "held", 1)
	s.Start(context.Background(), listID)
	<-fake.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop(listID)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a tick was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(fake.release)
	<-stopped
	if !fake.Has(item.ID) {
		t.Error("in-flight tick was cancelled")
	}
}

func TestStopAllWaitsForManualFlush(t *testing.T) {
	fake := newFakeRemote()
	fake.entered = make(chan struct{})
	fake.release = make(chan struct{})
	s, st := newTestSyncer(t, fake, Config{})

	item, _ := st.Add(listID, "last minute", 1)
	flushed := make(chan struct{})
	go func() {
		s.Flush(context.Background(), listID)
		close(flushed)
	}()
	<-fake.entered

	stopped := make(chan struct{})
	go func() {
		s.StopAll()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopAll returned while a flush was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(fake.release)
	<-stopped
	<-flushed
	if !fake.Has(item.ID) {
		t.Error("flushed item not on server")
	}
	if _, err := s.Flush(context.Background(), listID); !errors.Is(err, ErrStopped) {
		t.Errorf("flush after StopAll: err = %v, want ErrStopped", err)
	}
}

func TestSyncAgainstServer(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()
	ts := httptest.NewServer(server.New(db, testLogger()).Router())
	defer ts.Close()

	client := remote.NewClient(remote.Config{BaseURL: ts.URL})
	ctx := context.Background()
	id, err := client.CreateList(ctx)
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	s, st := newTestSyncer(t, client, Config{})
	milk, _ := st.Add(id, "milk", 2)
	eggs, _ := st.Add(id, "eggs", 12)
	st.Toggle(id, milk.ID)
	bread, _ := st.Add(id, "bread", 1)
	st.Remove(id, bread.ID)

	res, err := s.Flush(ctx, id)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Failed != 0 || res.Dropped != 0 {
		t.Fatalf("result = %+v, want no failures", res)
	}

	items, err := client.ListItems(ctx, id)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	got := map[string]model.Item{}
	for _, it := range items {
		got[it.ID] = it
	}
	if len(got) != 2 {
		t.Fatalf("server items = %+v, want milk and eggs", items)
	}
	if !got[milk.ID].Done || got[milk.ID].Qty != 2 {
		t.Errorf("milk = %+v, want done x2", got[milk.ID])
	}
	if got[eggs.ID].Qty != 12 || got[eggs.ID].Done {
		t.Errorf("eggs = %+v, want x12 not done", got[eggs.ID])
	}

	// A second flush with nothing queued leaves the server unchanged.
	if _, err := s.Flush(ctx, id); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	after, _ := client.ListItems(ctx, id)
	if len(after) != 2 {
		t.Errorf("items after empty flush = %d, want 2", len(after))
	}
}
