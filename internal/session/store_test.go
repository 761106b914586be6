package session

import (
	"strings"
	"testing"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
)

func newBareStore(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	persist, err := storage.New(&storage.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { persist.Close() })
	return NewStore(persist), persist
}

func storedSession(id, hashlock string, status Status, updated time.Time) *Session {
	return &Session{
		ID:        id,
		Hashlock:  hashlock,
		Status:    status,
		Maker:     testMaker,
		Taker:     testTaker,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestViewExcludesUpdate(t *testing.T) {
	st, _ := newBareStore(t)
	sess := storedSession("sess-view", strings.Repeat("aa", 32), StatusBothLocked, time.Now().UTC())
	if err := st.Insert(sess); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	viewDone := make(chan error, 1)
	go func() {
		viewDone <- st.View(sess.ID, func(*Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// A writer must wait until the viewer is done with the session, so a
	// status read inside View cannot go stale before it is acted on.
	updated := sess.Clone()
	updated.Status = StatusTimedOut
	updDone := make(chan error, 1)
	go func() { updDone <- st.Update(updated) }()

	select {
	case <-updDone:
		t.Fatal("Update finished while View held the session")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-viewDone; err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if err := <-updDone; err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := st.Get(sess.ID)
	if err != nil || got.Status != StatusTimedOut {
		t.Fatalf("Get() = %v, %v after update", got, err)
	}
}

func TestViewNotFound(t *testing.T) {
	st, _ := newBareStore(t)
	err := st.View("sess-missing", func(*Session) error { return nil })
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("View(missing) kind = %v, want NotFound", fault.KindOf(err))
	}
}

func TestPruneTerminal(t *testing.T) {
	st, persist := newBareStore(t)
	now := time.Now().UTC()

	aged := storedSession("sess-aged", strings.Repeat("bb", 32), StatusCompleted, now.Add(-25*time.Hour))
	fresh := storedSession("sess-fresh", strings.Repeat("cc", 32), StatusCompleted, now)
	live := storedSession("sess-live", strings.Repeat("dd", 32), StatusCreated, now.Add(-25*time.Hour))
	for _, sess := range []*Session{aged, fresh, live} {
		if err := st.Insert(sess); err != nil {
			t.Fatalf("Insert(%s) error = %v", sess.ID, err)
		}
	}

	n, err := st.PruneTerminal(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminal() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	if _, err := st.Get("sess-aged"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("aged session still retrievable: %v", err)
	}
	if _, err := st.ByHashlock(aged.Hashlock); fault.KindOf(err) != fault.NotFound {
		t.Errorf("aged hashlock still indexed: %v", err)
	}
	for _, sess := range st.ByParty(testMaker) {
		if sess.ID == "sess-aged" {
			t.Error("aged session still indexed by party")
		}
	}

	// The old terminal session, not the fresh one or the live one.
	if _, err := st.Get("sess-fresh"); err != nil {
		t.Errorf("fresh terminal session pruned: %v", err)
	}
	if _, err := st.Get("sess-live"); err != nil {
		t.Errorf("live session pruned: %v", err)
	}

	snaps, err := persist.LoadSnapshots()
	if err != nil {
		t.Fatalf("LoadSnapshots() error = %v", err)
	}
	if _, ok := snaps["sess-aged"]; ok {
		t.Error("aged snapshot survived pruning")
	}
	if _, ok := snaps["sess-live"]; !ok {
		t.Error("live snapshot deleted")
	}
}

func TestByPartyNewestFirst(t *testing.T) {
	st, _ := newBareStore(t)
	now := time.Now().UTC()

	older := storedSession("sess-older", strings.Repeat("ee", 32), StatusCreated, now.Add(-time.Hour))
	newer := storedSession("sess-newer", strings.Repeat("ff", 32), StatusCreated, now)
	if err := st.Insert(older); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := st.Insert(newer); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got := st.ByParty(testMaker)
	if len(got) != 2 {
		t.Fatalf("ByParty returned %d sessions, want 2", len(got))
	}
	if got[0].ID != "sess-newer" || got[1].ID != "sess-older" {
		t.Errorf("ByParty order = [%s %s]", got[0].ID, got[1].ID)
	}
	if len(st.ByParty("0x0000000000000000000000000000000000000000")) != 0 {
		t.Error("unknown party returned sessions")
	}
}
