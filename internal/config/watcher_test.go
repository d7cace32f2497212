package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startWatcher(t *testing.T, path string, loader func(string) (testConfig, error), opts ...WatcherOption[testConfig]) *Watcher[testConfig] {
	t.Helper()
	opts = append([]WatcherOption[testConfig]{WithDebounce[testConfig](50 * time.Millisecond)}, opts...)
	w := NewConfigWatcher(path, loader, newTestLogger(), opts...)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("watcher.Stop failed: %v", err)
		}
	})
	return w
}

func tempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hwdecode.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigWatcher_BasicReload(t *testing.T) {
	path := tempConfig(t, "name = \"initial\"\nvalue = 1\n")
	w := startWatcher(t, path, loadTestConfig)

	received := make(chan testConfig, 1)
	w.OnReload(func(cfg testConfig) {
		select {
		case received <- cfg:
		default:
		}
	})

	if err := os.WriteFile(path, []byte("name = \"updated\"\nvalue = 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-received:
		if cfg.Name != "updated" || cfg.Value != 42 {
			t.Errorf("got %+v, want name=updated, value=42", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestConfigWatcher_RenameReplace(t *testing.T) {
	path := tempConfig(t, "value = 1\n")
	w := startWatcher(t, path, loadTestConfig)

	received := make(chan testConfig, 4)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	tmp := path + ".swp"
	if err := os.WriteFile(tmp, []byte("value = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-received:
		if cfg.Value != 7 {
			t.Errorf("value = %d, want 7", cfg.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload after rename")
	}
}

func TestConfigWatcher_IgnoresSiblings(t *testing.T) {
	path := tempConfig(t, "value = 1\n")
	var loads atomic.Int32
	startWatcher(t, path, func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	})

	sibling := filepath.Join(filepath.Dir(path), "other.toml")
	if err := os.WriteFile(sibling, []byte("value = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := loads.Load(); n != 0 {
		t.Errorf("loader ran %d times for an unrelated file", n)
	}
}

func TestConfigWatcher_Unsubscribe(t *testing.T) {
	path := tempConfig(t, "value = 1\n")
	w := startWatcher(t, path, loadTestConfig)

	var first, second atomic.Int32
	unsub := w.OnReload(func(testConfig) { first.Add(1) })
	done := make(chan struct{}, 4)
	w.OnReload(func(testConfig) {
		second.Add(1)
		done <- struct{}{}
	})
	unsub()

	if err := os.WriteFile(path, []byte("value = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	if first.Load() != 0 {
		t.Error("unsubscribed handler was called")
	}
	if second.Load() == 0 {
		t.Error("remaining handler was not called")
	}
}

func TestConfigWatcher_ErrorHandler(t *testing.T) {
	path := tempConfig(t, "value = 1\n")
	errs := make(chan error, 4)
	w := startWatcher(t, path, loadTestConfig, WithErrorHandler[testConfig](func(err error) { errs <- err }))

	var called atomic.Bool
	w.OnReload(func(testConfig) { called.Store(true) })

	if err := os.WriteFile(path, []byte("value = [broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if err == nil {
			t.Error("nil error reported")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
	}
	if called.Load() {
		t.Error("handler called with invalid config")
	}
}

func TestConfigWatcher_Debounce(t *testing.T) {
	path := tempConfig(t, "value = 0\n")
	var loads atomic.Int32
	received := make(chan testConfig, 8)
	w := startWatcher(t, path, func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	}, WithDebounce[testConfig](200*time.Millisecond))
	w.OnReload(func(cfg testConfig) { received <- cfg })

	for i := 1; i <= 5; i++ {
		if err := os.WriteFile(path, []byte("value = "+string(rune('0'+i))+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case cfg := <-received:
		if cfg.Value != 5 {
			t.Errorf("value = %d, want last write 5", cfg.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for debounced reload")
	}
	time.Sleep(300 * time.Millisecond)
	if n := loads.Load(); n != 1 {
		t.Errorf("loader ran %d times, want 1", n)
	}
}

func TestConfigWatcher_StartMissingDir(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "nope", "hwdecode.toml"), loadTestConfig, newTestLogger())
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error for missing directory")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop on unstarted watcher: %v", err)
	}
}

func TestConfigWatcher_ContextCancel(t *testing.T) {
	path := tempConfig(t, "value = 1\n")
	ctx, cancel := context.WithCancel(context.Background())
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watch loop did not exit on cancel")
	}
	if err := w.Stop(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.Errorf("Stop after cancel: %v", err)
	}
}
