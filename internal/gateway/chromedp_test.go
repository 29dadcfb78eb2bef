package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"go.uber.org/zap"
)

func TestChallengeMarkerDetection(t *testing.T) {
	t.Parallel()

	b := &Browser{cfg: Config{ChallengeMarkers: []string{"Just a moment", "Attention Required"}}}

	cases := []struct {
		name  string
		title string
		html  string
		want  bool
	}{
		{"clean page", "Alpha Pack", "<html><body>content</body></html>", false},
		{"challenge in title", "Just a moment...", "<html></html>", true},
		{"challenge in body", "Loading", "<html>Attention Required! | Cloudflare</html>", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := b.challengeMarker(tc.title, tc.html)
			if got != tc.want {
				t.Fatalf("expected %v got %v", tc.want, got)
			}
		})
	}
}

func TestIsDownloadAbort(t *testing.T) {
	t.Parallel()

	if !isDownloadAbort(errors.New("page load error net::ERR_ABORTED")) {
		t.Fatal("expected download abort to be recognized")
	}
	if isDownloadAbort(errors.New("net::ERR_CONNECTION_REFUSED")) {
		t.Fatal("unexpected match for unrelated error")
	}
	if isDownloadAbort(nil) {
		t.Fatal("nil error must not match")
	}
}

func TestDownloadWatcher(t *testing.T) {
	t.Parallel()

	w := newDownloadWatcher()
	w.handle(&browser.EventDownloadWillBegin{GUID: "g-1", SuggestedFilename: "alpha.mcpack"})
	w.handle(&browser.EventDownloadProgress{GUID: "g-1", State: browser.DownloadProgressStateInProgress})
	w.handle(&browser.EventDownloadProgress{GUID: "g-1", State: browser.DownloadProgressStateCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	guid, filename, err := w.wait(ctx)
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if guid != "g-1" || filename != "alpha.mcpack" {
		t.Fatalf("unexpected download handle: %s %s", guid, filename)
	}
}

func TestDownloadWatcherTimeout(t *testing.T) {
	t.Parallel()

	w := newDownloadWatcher()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, _, err := w.wait(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
