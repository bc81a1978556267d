package configwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/socks5balancer/gobalancer/internal/config"
)

const baseConfig = `{
  "listenHost": "127.0.0.1",
  "listenPort": 5000,
  "upstream": [{"name": "a", "host": "127.0.0.1", "port": 1080}]
}`

const changedConfig = `{
  "listenHost": "127.0.0.1",
  "listenPort": 5001,
  "upstream": [{"name": "a", "host": "127.0.0.1", "port": 1080}]
}`

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(baseConfig), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	reloaded := make(chan *config.Config, 1)
	w, err := New(path, func(cfg *config.Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() { w.Run(stop); close(done) }()
	defer func() {
		close(stop)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop after close(stop)")
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(changedConfig), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.ListenPort != 5001 {
			t.Fatalf("expected reloaded listenPort 5001, got %d", cfg.ListenPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback was not invoked after config file write")
	}
}

func TestWatcherKeepsPreviousConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(baseConfig), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	reloaded := make(chan *config.Config, 1)
	w, err := New(path, func(cfg *config.Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() { w.Run(stop); close(done) }()
	defer func() {
		close(stop)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop after close(stop)")
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("reload callback fired for an invalid config")
	case <-time.After(500 * time.Millisecond):
	}
}
