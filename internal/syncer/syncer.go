// Package syncer pushes the queued changes of each list to the list server
// on a fixed interval.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukerupert/shoplist/internal/localstate"
	"github.com/dukerupert/shoplist/internal/model"
	"github.com/dukerupert/shoplist/internal/remote"
)

var (
	// ErrTickInFlight is returned by Flush when a sync of the same list is
	// already running.
	ErrTickInFlight = errors.New("sync already in flight")
	// ErrStopped is returned by Flush after StopAll.
	ErrStopped = errors.New("syncer stopped")
)

// Remote is the part of the list server API the syncer writes through.
type Remote interface {
	CreateItem(ctx context.Context, listID string, item model.NewItem) (*model.Item, error)
	UpdateItem(ctx context.Context, listID, itemID string, patch model.ItemPatch) (*model.Item, error)
	DeleteItem(ctx context.Context, listID, itemID string) error
}

type Config struct {
	Interval    time.Duration // default 1500ms
	MaxAttempts int           // default 5
}

// Result counts what one sync of a list did.
type Result struct {
	Updated int
	Created int
	Deleted int
	Failed  int // requeued for the next tick
	Dropped int // gave up after MaxAttempts
	At      time.Time
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Syncer runs one sync loop per started list.
type Syncer struct {
	state  *localstate.State
	remote Remote
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	loops    map[string]*loop
	inFlight map[string]chan struct{} // closed when the flush returns
	results  map[string]Result
	stopped  bool
}

func New(state *localstate.State, r Remote, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 1500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Syncer{
		state:    state,
		remote:   r,
		cfg:      cfg,
		logger:   logger.With("component", "syncer"),
		loops:    make(map[string]*loop),
		inFlight: make(map[string]chan struct{}),
		results:  make(map[string]Result),
	}
}

// Start begins syncing listID every Interval. Starting a list that is
// already running does nothing.
func (s *Syncer) Start(ctx context.Context, listID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[listID]; ok || s.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.loops[listID] = l

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		// Requests of a tick outlive Stop; only the ticker is cancelled.
		tickCtx := context.WithoutCancel(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(tickCtx, listID)
			}
		}
	}()
	s.logger.Info("sync started", "list_id", listID, "interval", s.cfg.Interval)
}

// Stop stops the loop of listID and waits for a running sync of the list,
// ticked or flushed by hand, to finish.
func (s *Syncer) Stop(listID string) {
	s.mu.Lock()
	l, ok := s.loops[listID]
	delete(s.loops, listID)
	s.mu.Unlock()

	if ok {
		l.cancel()
		<-l.done
		s.logger.Info("sync stopped", "list_id", listID)
	}
	s.waitFlush(listID)
}

// StopAll stops every running loop and waits for every running sync. Later
// calls to Flush fail with ErrStopped and Start does nothing.
func (s *Syncer) StopAll() {
	s.mu.Lock()
	s.stopped = true
	ids := make([]string, 0, len(s.loops)+len(s.inFlight))
	for id := range s.loops {
		ids = append(ids, id)
	}
	for id := range s.inFlight {
		if _, ok := s.loops[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

func (s *Syncer) waitFlush(listID string) {
	s.mu.Lock()
	done, ok := s.inFlight[listID]
	s.mu.Unlock()
	if ok {
		<-done
	}
}

// LastResult returns the result of the last completed sync of listID.
func (s *Syncer) LastResult(listID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[listID]
	return r, ok
}

func (s *Syncer) tick(ctx context.Context, listID string) {
	res, err := s.Flush(ctx, listID)
	switch {
	case errors.Is(err, ErrTickInFlight):
		s.logger.Debug("tick skipped, previous sync still running", "list_id", listID)
	case err != nil:
		s.logger.Error("sync failed", "list_id", listID, "error", err)
	case res.Failed > 0 || res.Dropped > 0:
		s.logger.Warn("sync incomplete", "list_id", listID,
			"failed", res.Failed, "dropped", res.Dropped)
	}
}

// Flush sends every queued change of listID to the server once. Changes
// that fail are requeued; the returned error only reports a failure to save
// the local state.
func (s *Syncer) Flush(ctx context.Context, listID string) (Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Result{}, ErrStopped
	}
	if _, ok := s.inFlight[listID]; ok {
		s.mu.Unlock()
		return Result{}, ErrTickInFlight
	}
	done := make(chan struct{})
	s.inFlight[listID] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, listID)
		s.mu.Unlock()
		close(done)
	}()

	batch := s.state.ConsumeQueues(listID)
	if batch.Empty() {
		res := Result{At: time.Now().UTC()}
		s.setResult(listID, res)
		return res, nil
	}

	var res Result
	var failed localstate.Batch
	deleted := batch.DeletionIDs()

	for _, u := range batch.Upserts {
		created, err := s.upsert(ctx, listID, u.Item)
		if err != nil {
			s.logger.Warn("upsert failed", "list_id", listID, "item_id", u.Item.ID,
				"attempt", u.Attempts+1, "error", err)
			// The item is deleted in this batch; retrying would bring it back.
			if !slices.Contains(deleted, u.Item.ID) {
				failed.Upserts = append(failed.Upserts, u)
			}
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	for _, d := range batch.Deletions {
		err := s.remote.DeleteItem(ctx, listID, d.ID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			s.logger.Warn("delete failed", "list_id", listID, "item_id", d.ID,
				"attempt", d.Attempts+1, "error", err)
			failed.Deletions = append(failed.Deletions, d)
			continue
		}
		res.Deleted++
	}

	dropped := s.state.Requeue(listID, failed, s.cfg.MaxAttempts)
	for _, u := range dropped.Upserts {
		s.logger.Error("giving up on upsert", "list_id", listID, "item_id", u.Item.ID,
			"label", u.Item.Label, "attempts", u.Attempts)
	}
	for _, d := range dropped.Deletions {
		s.logger.Error("giving up on delete", "list_id", listID, "item_id", d.ID,
			"attempts", d.Attempts)
	}
	res.Dropped = len(dropped.Upserts) + len(dropped.Deletions)
	res.Failed = len(failed.Upserts) + len(failed.Deletions) - res.Dropped
	res.At = time.Now().UTC()
	s.setResult(listID, res)

	s.logger.Debug("sync done", "list_id", listID, "updated", res.Updated,
		"created", res.Created, "deleted", res.Deleted, "failed", res.Failed)

	if err := s.state.Save(); err != nil {
		return res, err
	}
	return res, nil
}

// upsert updates the item, creating it only when the server does not have
// it. It reports whether the item was created.
func (s *Syncer) upsert(ctx context.Context, listID string, item model.Item) (bool, error) {
	_, err := s.remote.UpdateItem(ctx, listID, item.ID, model.PatchFrom(item))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return false, err
	}

	if _, err := s.remote.CreateItem(ctx, listID, model.NewItemFrom(item)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Syncer) setResult(listID string, res Result) {
	s.mu.Lock()
	s.results[listID] = res
	s.mu.Unlock()
}
