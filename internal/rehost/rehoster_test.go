package rehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
)

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string]*AssetPayload
	failures map[string]error
}

func (f *fakeFetcher) FetchAsset(_ context.Context, url string) (*AssetPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[url]; ok {
		return nil, err
	}
	if p, ok := f.payloads[url]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unexpected url %s", url)
}

type fakeBlobStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *fakeBlobStore) Upload(_ context.Context, key, _ string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type fakeGateway struct {
	downloadDir string
	err         error
	downloads   int
}

func (g *fakeGateway) FetchListingPage(context.Context, int) (*catalog.RenderedPage, error) {
	return nil, nil
}

func (g *fakeGateway) FetchDetailPage(context.Context, string) (*catalog.RenderedPage, error) {
	return nil, nil
}

func (g *fakeGateway) DownloadViaSession(_ context.Context, _ string) (*catalog.SessionDownload, error) {
	g.downloads++
	if g.err != nil {
		return nil, g.err
	}
	path := filepath.Join(g.downloadDir, fmt.Sprintf("dl-%d", g.downloads))
	if err := os.WriteFile(path, []byte("asset bytes"), 0o600); err != nil {
		return nil, err
	}
	return &catalog.SessionDownload{LocalPath: path, SuggestedFilename: "session.zip"}, nil
}

func (g *fakeGateway) Close() error { return nil }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%04d", s.n), nil
}

func TestRehostFallbackNeverDropsSlots(t *testing.T) {
	t.Parallel()

	links := []catalog.AssetLink{
		{URL: "https://files.example.com/a.mcpack"},
		{URL: "https://files.example.com/b.mcpack"},
		{URL: "https://files.example.com/c.mcpack"},
	}
	fetcher := &fakeFetcher{
		payloads: map[string]*AssetPayload{
			links[0].URL: {Data: []byte("a")},
			links[2].URL: {Data: []byte("c")},
		},
		failures: map[string]error{
			links[1].URL: errors.New("boom"),
		},
	}
	store := &fakeBlobStore{}
	r := New(Config{MaxParallel: 2}, &fakeGateway{}, fetcher, store, &seqIDs{}, zap.NewNop())

	results := r.Rehost(context.Background(), "alpha-pack", links)

	require.Len(t, results, 3)
	require.True(t, strings.HasPrefix(results[0], "https://cdn.example.com/packs/"))
	require.Equal(t, links[1].URL, results[1])
	require.True(t, strings.HasPrefix(results[2], "https://cdn.example.com/packs/"))
	require.Len(t, store.keys, 2)
}

func TestRehostUploadFailureFallsBack(t *testing.T) {
	t.Parallel()

	links := []catalog.AssetLink{{URL: "https://files.example.com/a.mcpack"}}
	fetcher := &fakeFetcher{
		payloads: map[string]*AssetPayload{links[0].URL: {Data: []byte("a")}},
	}
	store := &fakeBlobStore{err: errors.New("bucket unavailable")}
	r := New(Config{}, &fakeGateway{}, fetcher, store, &seqIDs{}, zap.NewNop())

	results := r.Rehost(context.Background(), "alpha-pack", links)
	require.Equal(t, []string{links[0].URL}, results)
}

func TestRehostSessionPathCleansTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gw := &fakeGateway{downloadDir: dir}
	store := &fakeBlobStore{}
	cfg := Config{AssetAPIHost: "https://api.packs.example.com"}
	r := New(cfg, gw, &fakeFetcher{}, store, &seqIDs{}, zap.NewNop())

	results := r.Rehost(context.Background(), "alpha-pack", []catalog.AssetLink{
		{URL: "https://api.packs.example.com/files/42"},
	})

	require.Len(t, results, 1)
	require.Equal(t, "https://cdn.example.com/packs/id-0001.zip", results[0])
	require.Equal(t, 1, gw.downloads)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "session temp file must be removed")
}

func TestRehostSessionFailureFallsBack(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{err: errors.New("browser gone")}
	cfg := Config{AssetAPIHost: "https://api.packs.example.com"}
	r := New(cfg, gw, &fakeFetcher{}, &fakeBlobStore{}, &seqIDs{}, zap.NewNop())

	source := "https://api.packs.example.com/files/42"
	results := r.Rehost(context.Background(), "alpha-pack", []catalog.AssetLink{{URL: source}})
	require.Equal(t, []string{source}, results)
}

func TestRehostEmptyLinks(t *testing.T) {
	t.Parallel()

	r := New(Config{}, &fakeGateway{}, &fakeFetcher{}, &fakeBlobStore{}, &seqIDs{}, zap.NewNop())
	require.Empty(t, r.Rehost(context.Background(), "alpha-pack", nil))
}

func TestExtensionOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		filename string
		url      string
		want     string
	}{
		{"filename wins", "pack.zip", "https://x/y.mcpack", ".zip"},
		{"url path", "", "https://x/y.mcpack", ".mcpack"},
		{"query ignored", "", "https://x/y.mcworld?dl=1", ".mcworld"},
		{"fallback", "", "https://x/download", ".mcpack"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, extensionOf(tc.filename, tc.url, ".mcpack"))
		})
	}
}
