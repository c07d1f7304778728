package collection

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/models"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeStore wraps the in-memory local store with per-operation hooks.
// Hooks run as "<op>:before" and "<op>:after"; returning an error fails the call.
type fakeStore struct {
	backing *database.LocalDatabase

	mu       sync.Mutex
	hook     func(op string) error
	listHook func(userID string) error
	calls    map[string]int
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	local, err := database.NewLocalDatabase(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	return &fakeStore{backing: local, calls: map[string]int{}}
}

func (s *fakeStore) setHook(hook func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// setListHook installs a hook that runs before list_all and sees the user.
func (s *fakeStore) setListHook(hook func(userID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listHook = hook
}

func (s *fakeStore) runList(userID string) error {
	s.mu.Lock()
	hook := s.listHook
	s.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(userID)
}

func (s *fakeStore) run(op string) error {
	s.mu.Lock()
	hook := s.hook
	if name, ok := strings.CutSuffix(op, ":before"); ok {
		s.calls[name]++
	}
	s.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(op)
}

func (s *fakeStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeStore) ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error) {
	if err := s.run("list_all:before"); err != nil {
		return nil, err
	}
	if err := s.runList(userID); err != nil {
		return nil, err
	}
	ids, err := s.backing.ListAll(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	return ids, s.run("list_all:after")
}

func (s *fakeStore) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	if err := s.run("list_page:before"); err != nil {
		return nil, err
	}
	return s.backing.ListPage(ctx, userID, kind, limit, before)
}

func (s *fakeStore) Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	if err := s.run("insert:before"); err != nil {
		return models.KindSets{}, err
	}
	sets, err := s.backing.Insert(ctx, userID, itemID, kind)
	if err != nil {
		return sets, err
	}
	return sets, s.run("insert:after")
}

func (s *fakeStore) Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	if err := s.run("remove:before"); err != nil {
		return models.KindSets{}, err
	}
	sets, err := s.backing.Remove(ctx, userID, itemID, kind)
	if err != nil {
		return sets, err
	}
	return sets, s.run("remove:after")
}

func (s *fakeStore) CountByKind(ctx context.Context, userID string) (models.Counts, error) {
	return s.backing.CountByKind(ctx, userID)
}

func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func (s *fakeStore) Close() error { return nil }

// gate blocks one hook point until released.
type gate struct {
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	g.once.Do(func() { close(g.reached) })
	<-g.release
}

func (g *gate) open() { close(g.release) }

func waitReached(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("store call never reached the gate")
	}
}

// fakeIdentity is a hand-driven IdentityProvider.
type fakeIdentity struct {
	mu        sync.Mutex
	userID    string
	listeners map[int]func(string)
	next      int
}

func newFakeIdentity(userID string) *fakeIdentity {
	return &fakeIdentity{userID: userID, listeners: map[int]func(string){}}
}

func (f *fakeIdentity) CurrentUserID() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.userID != ""
}

func (f *fakeIdentity) OnChange(fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeIdentity) switchTo(userID string) {
	f.mu.Lock()
	f.userID = userID
	fns := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}

// recordingPublisher keeps every activity event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (r *recordingPublisher) Publish(event models.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) all() []models.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ActivityEvent(nil), r.events...)
}
