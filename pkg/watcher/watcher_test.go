package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnana997/tokensync/pkg/tokens"
)

type fakeIngester struct {
	mu    sync.Mutex
	calls []map[string]tokens.TokenValue
}

func (f *fakeIngester) ProcessTokens(raw map[string]tokens.TokenValue) tokens.TokenState {
	f.mu.Lock()
	f.calls = append(f.calls, raw)
	f.mu.Unlock()

	components := make(map[string]tokens.TokenComponent, len(raw))
	for id, v := range raw {
		components[id] = tokens.TokenComponent{ID: id, Type: v.Type, Value: v, Processed: true}
	}
	return tokens.NewTokenState(components, time.Now())
}

func (f *fakeIngester) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.calls {
		for id := range call {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

const validChunk = `{
  "id": "brand",
  "version": "1.0.0",
  "tokens": {
    "primary": {"value": "#007bff", "type": "color", "category": "brand"}
  }
}`

const invalidChunk = `{
  "id": "broken",
  "version": "1.0.0",
  "tokens": {
    "gap": {"value": "8px", "type": "distance", "category": "layout"}
  }
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultOptions(), nil)
	assert.Error(t, err)

	_, err = New(&fakeIngester{}, Options{Include: []string{"[unclosed"}}, nil)
	assert.Error(t, err)

	w, err := New(&fakeIngester{}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultInclude}, w.options.Include)
	assert.Equal(t, 200, w.options.DebounceMs)
}

func TestLoadDir_IngestsMatchingChunks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "brand.tokens.json"), validChunk)
	writeFile(t, filepath.Join(root, "nested", "space.tokens.json"), `{
	  "id": "space", "version": "2",
	  "dependencies": ["brand"],
	  "tokens": {"gap": {"value": "8px", "type": "spacing", "category": "layout"}}
	}`)
	writeFile(t, filepath.Join(root, "notes.json"), validChunk)

	ing := &fakeIngester{}
	w, err := New(ing, DefaultOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, w.LoadDir(root))
	assert.Equal(t, []string{"gap", "primary"}, ing.ids())
	assert.Equal(t, int64(2), w.GetStats().Loaded)
}

func TestLoadDir_SkipsInvalidAndReportsThem(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "good.tokens.json"), validChunk)
	writeFile(t, filepath.Join(root, "bad.tokens.json"), invalidChunk)
	writeFile(t, filepath.Join(root, "junk.tokens.json"), "{not json")

	ing := &fakeIngester{}
	w, err := New(ing, DefaultOptions(), nil)
	require.NoError(t, err)

	err = w.LoadDir(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.tokens.json")
	assert.Contains(t, err.Error(), "junk.tokens.json")

	assert.Equal(t, []string{"primary"}, ing.ids())
	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.Loaded)
	assert.Equal(t, int64(2), stats.Invalid)
}

func TestLoadDir_Exclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "brand.tokens.json"), validChunk)
	writeFile(t, filepath.Join(root, "drafts", "wip.tokens.json"), invalidChunk)
	writeFile(t, filepath.Join(root, "node_modules", "dep.tokens.json"), invalidChunk)

	ing := &fakeIngester{}
	opts := DefaultOptions()
	opts.Exclude = []string{"drafts/**"}
	w, err := New(ing, opts, nil)
	require.NoError(t, err)

	require.NoError(t, w.LoadDir(root))
	assert.Equal(t, []string{"primary"}, ing.ids())
}

func TestStart_ReloadsChangedChunks(t *testing.T) {
	root := t.TempDir()
	ing := &fakeIngester{}
	w, err := New(ing, Options{DebounceMs: 20}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(root))
	defer w.Stop()
	assert.True(t, w.GetStats().IsRunning)

	writeFile(t, filepath.Join(root, "brand.tokens.json"), validChunk)

	assert.Eventually(t, func() bool { return ing.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, ing.ids(), "primary")
}

func TestStart_IgnoresNonChunkFiles(t *testing.T) {
	root := t.TempDir()
	ing := &fakeIngester{}
	w, err := New(ing, Options{DebounceMs: 10}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(root))
	defer w.Stop()

	writeFile(t, filepath.Join(root, "readme.md"), "# tokens")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, ing.count())
}

func TestStop_Idempotent(t *testing.T) {
	w, err := New(&fakeIngester{}, DefaultOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(t.TempDir()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.False(t, w.GetStats().IsRunning)

	assert.Error(t, w.Start(t.TempDir()), "cannot restart a stopped watcher")
}
