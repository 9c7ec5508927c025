package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/plugin"
)

type imageServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
	fail     bool
}

func newImageServer(t *testing.T) *imageServer {
	s := &imageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.Path)
		fail := s.fail
		s.mu.Unlock()
		if fail || !strings.HasSuffix(r.URL.Path, ":orig") {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("image:" + strings.TrimSuffix(r.URL.Path, ":orig")))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func newDownloader(t *testing.T, cfg Config) *Downloader {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	d, err := New(cfg, plugin.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func status(t *testing.T, base, id, userID, screenName string, photos ...string) message.Message {
	t.Helper()
	media := make([]map[string]any, 0, len(photos))
	for _, p := range photos {
		media = append(media, map[string]any{"type": "photo", "media_url": base + "/media/" + p})
	}
	media = append(media, map[string]any{"type": "video", "media_url": base + "/media/clip.mp4"})

	raw, err := json.Marshal(map[string]any{
		"id_str":            id,
		"text":              "look",
		"user":              map[string]any{"id_str": userID, "screen_name": screenName},
		"extended_entities": map[string]any{"media": media},
	})
	require.NoError(t, err)
	msg, err := message.Decode(raw)
	require.NoError(t, err)
	return msg
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestHandleStatus_DownloadsPhotos(t *testing.T) {
	srv := newImageServer(t)
	root := t.TempDir()
	d := newDownloader(t, Config{Root: root})
	ctx := context.Background()

	msg := status(t, srv.URL, "100", "7", "alice", "a.jpg", "b.png")
	require.NoError(t, d.HandleStatus(ctx, msg, plugin.Event{Category: message.Primary}))

	dir := filepath.Join(root, "@alice-7")
	assert.Equal(t, "image:/media/a.jpg", readFile(t, filepath.Join(dir, "a.jpg")))
	assert.Equal(t, "image:/media/b.png", readFile(t, filepath.Join(dir, "b.png")))
	assert.ElementsMatch(t, []string{"/media/a.jpg:orig", "/media/b.png:orig"}, srv.Requests(), "videos are ignored")

	records, err := d.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "7", records[0].UserID)
	assert.Equal(t, "alice", records[0].ScreenName)
	assert.Equal(t, "100", records[0].StatusID)
	assert.Equal(t, "look", records[0].Text)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestHandleStatus_SkipsRetweetsAndIgnoredUsers(t *testing.T) {
	srv := newImageServer(t)
	d := newDownloader(t, Config{SkipUsers: []json.Number{"9"}})
	ctx := context.Background()

	rt := status(t, srv.URL, "1", "7", "alice", "a.jpg")
	rt["retweeted_status"] = map[string]any{"id_str": "0"}
	require.NoError(t, d.HandleStatus(ctx, rt, plugin.Event{}))

	require.NoError(t, d.HandleStatus(ctx, status(t, srv.URL, "2", "9", "ignored", "b.jpg"), plugin.Event{}))

	assert.Empty(t, srv.Requests())
	records, err := d.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandleStatus_StaysInsideRoot(t *testing.T) {
	srv := newImageServer(t)
	base := t.TempDir()
	root := filepath.Join(base, "archive")
	d := newDownloader(t, Config{Root: root})
	ctx := context.Background()

	require.NoError(t, d.HandleStatus(ctx, status(t, srv.URL, "1", "7", "x/../../escaped", "a.jpg"), plugin.Event{}))
	require.NoError(t, d.HandleStatus(ctx, status(t, srv.URL, "2", "..", "bob", "b.jpg"), plugin.Event{}))
	require.NoError(t, d.HandleStatus(ctx, status(t, srv.URL, "3", "8", "carol", ".."), plugin.Event{}))

	_, err := os.Stat(filepath.Join(base, "escaped-7"))
	assert.True(t, os.IsNotExist(err), "photo escaped the archive root")
	assert.Empty(t, srv.Requests())
	records, err := d.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, d.HandleStatus(ctx, status(t, srv.URL, "4", "8", "carol", "ok.jpg"), plugin.Event{}))
	assert.Equal(t, "image:/media/ok.jpg", readFile(t, filepath.Join(root, "@carol-8", "ok.jpg")))
}

func TestArchivePath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	tests := []struct {
		name       string
		screenName string
		userID     string
		mediaURL   string
		wantErr    bool
	}{
		{"plain", "alice", "7", "http://img/media/a.jpg", false},
		{"dots inside name", "a.b", "7", "http://img/media/a.jpg", false},
		{"slash in name", "a/b", "7", "http://img/media/a.jpg", true},
		{"backslash in name", `a\b`, "7", "http://img/media/a.jpg", true},
		{"parent in name", "..", "7", "http://img/media/a.jpg", true},
		{"parent in id", "alice", "../7", "http://img/media/a.jpg", true},
		{"parent base", "alice", "7", "http://img/media/..", true},
		{"dot base", "alice", "7", ".", true},
		{"empty url", "alice", "7", "", true},
	}
	dir, target, err := archivePath(".", "alice", "7", "http://img/media/a.jpg")
	require.NoError(t, err, "a relative root works")
	assert.Equal(t, "@alice-7", dir)
	assert.Equal(t, filepath.Join("@alice-7", "a.jpg"), target)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, target, err := archivePath(root, tt.screenName, tt.userID, tt.mediaURL)
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, "@"+tt.screenName+"-"+tt.userID), dir)
			assert.Equal(t, dir, filepath.Dir(target))
		})
	}
}

func TestHandleStatus_Deduplicates(t *testing.T) {
	srv := newImageServer(t)
	d := newDownloader(t, Config{})
	ctx := context.Background()

	msg := status(t, srv.URL, "100", "7", "alice", "a.jpg")
	require.NoError(t, d.HandleStatus(ctx, msg, plugin.Event{}))
	require.NoError(t, d.HandleStatus(ctx, msg, plugin.Event{}))

	assert.Len(t, srv.Requests(), 1)
}

func TestHandleStatus_FailedDownloadIsRetried(t *testing.T) {
	srv := newImageServer(t)
	d := newDownloader(t, Config{})
	ctx := context.Background()
	msg := status(t, srv.URL, "100", "7", "alice", "a.jpg")

	srv.mu.Lock()
	srv.fail = true
	srv.mu.Unlock()
	err := d.HandleStatus(ctx, msg, plugin.Event{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	records, err := d.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records, "failed download is not recorded")
	assert.Equal(t, 0.0, testutil.ToFloat64(d.archived))

	srv.mu.Lock()
	srv.fail = false
	srv.mu.Unlock()
	require.NoError(t, d.HandleStatus(ctx, msg, plugin.Event{}))
	assert.Len(t, srv.Requests(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.archived))
	assert.Equal(t, float64(len("image:/media/a.jpg")), testutil.ToFloat64(d.bytes))
	assert.Equal(t, 2, testutil.CollectAndCount(d.downloads), "one ok and one error series")
}

func TestNew_MetricsSurviveReopen(t *testing.T) {
	srv := newImageServer(t)
	root := t.TempDir()
	reg := metric.NewMetricsRegistry()

	first, err := New(Config{Root: root}, plugin.Dependencies{Metrics: reg})
	require.NoError(t, err)
	require.NoError(t, first.HandleStatus(context.Background(), status(t, srv.URL, "1", "7", "alice", "a.jpg"), plugin.Event{}))
	require.NoError(t, first.Close())

	second, err := New(Config{Root: root}, plugin.Dependencies{Metrics: reg})
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(second.archived), "gauge starts from the manifest")
	assert.True(t, reg.Unregister(Name, "archived_photos"), "latest gauge is registered")
}

func TestHandleFavorite_WebhookBody(t *testing.T) {
	srv := newImageServer(t)
	root := t.TempDir()
	d := newDownloader(t, Config{Root: root})

	fav := status(t, srv.URL, "300", "8", "bob", "c.jpg")
	body := message.Message{
		"for_user_id": "1",
		"favorite_events": []any{
			map[string]any{"user": map[string]any{"id_str": "1"}, "favorited_status": map[string]any(fav)},
			map[string]any{"user": map[string]any{"id_str": "1"}},
		},
	}
	require.NoError(t, d.HandleFavorite(context.Background(), body, plugin.Event{Category: message.FavoriteEvent}))

	assert.Equal(t, "image:/media/c.jpg", readFile(t, filepath.Join(root, "@bob-8", "c.jpg")))
}

func TestHandleFavorite_StreamEvent(t *testing.T) {
	srv := newImageServer(t)
	d := newDownloader(t, Config{OwnFavoritesOnly: true})
	ctx := context.Background()

	target := status(t, srv.URL, "400", "8", "bob", "d.jpg")
	mine := message.Message{"event": "favorite", "source": map[string]any{"id_str": "1"}, "target_object": map[string]any(target)}
	theirs := message.Message{"event": "favorite", "source": map[string]any{"id_str": "2"}, "target_object": map[string]any(status(t, srv.URL, "401", "8", "bob", "e.jpg"))}

	require.NoError(t, d.HandleFavorite(ctx, theirs, plugin.Event{AccountID: "1"}))
	require.NoError(t, d.HandleFavorite(ctx, mine, plugin.Event{AccountID: "1"}))

	assert.Equal(t, []string{"/media/d.jpg:orig"}, srv.Requests())
}

func TestProvider(t *testing.T) {
	root := t.TempDir()
	raw := json.RawMessage(`{"root":"` + filepath.ToSlash(root) + `","skip_users":[153642121,"42"],"rate":5,"timeout":"30s"}`)

	p, err := Registration().Provider(raw, plugin.Dependencies{})
	require.NoError(t, err)
	d := p.(*Downloader)
	defer d.Close()

	assert.True(t, d.skip["153642121"])
	assert.True(t, d.skip["42"])
	assert.Contains(t, d.Handlers(), message.Primary)
	assert.Contains(t, d.Handlers(), message.FavoriteEvent)
	assert.FileExists(t, filepath.Join(root, "manifest.db"))
}

func TestNew_RootIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := New(Config{Root: file}, plugin.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
