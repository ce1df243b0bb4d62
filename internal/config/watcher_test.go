package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lincept/personality-tts/internal/config"
)

const watcherInfoYAML = `
log_level: info
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
`

const watcherDebugYAML = `
log_level: debug
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
`

const watcherBrokenYAML = `
log_level: shouting
`

// rewriteConfig replaces the file content and pushes its mtime into the
// future so the poll loop sees the edit regardless of filesystem timestamp
// granularity.
func rewriteConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

// startWatcher begins watching a temp config file seeded with content, on a
// fast poll. Each applied change arrives on the returned channel as an
// {old, new} pair.
func startWatcher(t *testing.T, content string) (w *config.Watcher, path string, changes chan [2]*config.Config) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}

	changes = make(chan [2]*config.Config, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- [2]*config.Config{old, new}
	}, config.WithInterval(25*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, changes
}

// expectNoChange fails when a change event arrives within the wait window.
func expectNoChange(t *testing.T, changes chan [2]*config.Config) {
	t.Helper()
	select {
	case pair := <-changes:
		t.Fatalf("unexpected config change applied: old=%+v new=%+v", pair[0], pair[1])
	case <-time.After(250 * time.Millisecond):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherInfoYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.LogLevel, config.LogInfo)
	}
}

func TestWatcher_AppliesContentChange(t *testing.T) {
	t.Parallel()
	w, path, changes := startWatcher(t, watcherInfoYAML)

	rewriteConfig(t, path, watcherDebugYAML)

	var old, new *config.Config
	select {
	case pair := <-changes:
		old, new = pair[0], pair[1]
	case <-time.After(2 * time.Second):
		t.Fatal("change was not applied within timeout")
	}

	if old.LogLevel != config.LogInfo || new.LogLevel != config.LogDebug {
		t.Errorf("change pair = %q -> %q, want info -> debug", old.LogLevel, new.LogLevel)
	}
	if cur := w.Current(); cur.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", cur.LogLevel)
	}

	// A log-level edit must classify as hot-applyable.
	d := config.Diff(old, new)
	if !d.LogLevelChanged || len(d.RequiresRestart) != 0 {
		t.Errorf("diff for log-level edit = %+v", d)
	}
}

func TestWatcher_KeepsLastGoodOnBrokenEdit(t *testing.T) {
	t.Parallel()
	w, path, changes := startWatcher(t, watcherInfoYAML)

	rewriteConfig(t, path, watcherBrokenYAML)
	expectNoChange(t, changes)

	if cur := w.Current(); cur.LogLevel != config.LogInfo {
		t.Errorf("Current() after broken edit = %q, want the previous config", cur.LogLevel)
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	_, path, changes := startWatcher(t, watcherInfoYAML)

	// Same content, newer mtime.
	rewriteConfig(t, path, watcherInfoYAML)
	expectNoChange(t, changes)
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherInfoYAML)
	w.Stop()
	w.Stop()
}
