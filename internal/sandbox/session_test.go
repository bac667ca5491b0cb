package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestManager_ConcurrentAcquireIsDisjoint(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil)
	const n = 16

	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background(), fmt.Sprintf("req-%d", i))
			if err != nil {
				t.Errorf("Acquire %d: %v", i, err)
				return
			}
			sessions[i] = s
		}()
	}
	wg.Wait()

	seenDir := map[string]bool{}
	seenID := map[string]bool{}
	for i, s := range sessions {
		if s == nil {
			t.Fatalf("session %d missing", i)
		}
		if seenDir[s.Workspace] || seenID[s.ID] {
			t.Fatalf("session %d reuses %s", i, s.Workspace)
		}
		seenDir[s.Workspace] = true
		seenID[s.ID] = true
		if _, err := os.Stat(s.Workspace); err != nil {
			t.Errorf("workspace %s not created: %v", s.Workspace, err)
		}
	}
	if got := m.Active(); got != n {
		t.Errorf("Active() = %d, want %d", got, n)
	}

	for _, s := range sessions {
		if err := m.Release(s); err != nil {
			t.Errorf("Release: %v", err)
		}
		if _, err := os.Stat(s.Dir); !os.IsNotExist(err) {
			t.Errorf("session dir %s still present", s.Dir)
		}
	}
	if got := m.Active(); got != 0 {
		t.Errorf("Active() after release = %d", got)
	}
}

func TestManager_WithReleasesOnEveryPath(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil, nil)
	ctx := context.Background()
	boom := errors.New("script failed")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.With(ctx, fmt.Sprintf("req-%d", i), func(s *Session) error {
				if err := os.WriteFile(filepath.Join(s.Workspace, "out.txt"), []byte(s.ID), 0o600); err != nil {
					return err
				}
				if i == 3 {
					return boom
				}
				return nil
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if i == 3 {
			if !errors.Is(err, boom) {
				t.Errorf("With %d = %v, want script error", i, err)
			}
		} else if err != nil {
			t.Errorf("With %d = %v", i, err)
		}
	}
	if got := m.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("root still holds %d entries", len(entries))
	}
}

func TestManager_WithReleasesOnPanic(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil, nil)

	func() {
		defer func() { _ = recover() }()
		_ = m.With(context.Background(), "req", func(*Session) error { panic("interpreter exploded") })
	}()

	if got := m.Active(); got != 0 {
		t.Errorf("Active() = %d after panic", got)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("workspace left behind after panic")
	}
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil)
	s, err := m.Acquire(context.Background(), "req")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release(s); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := m.Release(s); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if err := m.Release(nil); err != nil {
		t.Errorf("Release(nil): %v", err)
	}
}

func TestManager_AcquireCancelled(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "req"); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire = %v, want context.Canceled", err)
	}
	if m.Active() != 0 {
		t.Error("cancelled acquire left an active session")
	}
}
