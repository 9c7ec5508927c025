// Package media saves the photos attached to statuses and favorites. Each
// photo is recorded in a SQLite manifest and fetched at original size into
// a per-user directory.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/plugin"
)

// Name is the provider name
const Name = "media"

// Config is the media plugin configuration
type Config struct {
	Root      string          `json:"root,omitempty"`
	SkipUsers []json.Number   `json:"skip_users,omitempty"`
	Rate      float64         `json:"rate,omitempty"`
	Burst     int             `json:"burst,omitempty"`
	Timeout   config.Duration `json:"timeout,omitempty"`

	// OwnFavoritesOnly limits favorite handling to favorites made by the
	// relay's account
	OwnFavoritesOnly bool `json:"own_favorites_only,omitempty"`
}

// Defaults
const (
	DefaultRoot    = "./media"
	DefaultRate    = 1.0
	DefaultTimeout = 60 * time.Second
)

// Downloader saves photos
type Downloader struct {
	root     string
	skip     map[string]bool
	ownOnly  bool
	client   *http.Client
	limiter  *rate.Limiter
	manifest *manifest
	logger   *slog.Logger

	downloads *prometheus.HistogramVec
	bytes     prometheus.Counter
	archived  prometheus.Gauge
}

// Registration returns the provider registration
func Registration() *plugin.Registration {
	return &plugin.Registration{
		Name:        Name,
		Description: "download photos from statuses and favorites into a local archive",
		Provider:    provide,
	}
}

func provide(raw json.RawMessage, deps plugin.Dependencies) (plugin.Plugin, error) {
	cfg := Config{Root: DefaultRoot, Rate: DefaultRate, Timeout: config.Duration(DefaultTimeout)}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Media", "provide", "parse config")
		}
	}
	return New(cfg, deps)
}

// New opens the archive at cfg.Root, creating it if needed
func New(cfg Config, deps plugin.Dependencies) (*Downloader, error) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if info, err := os.Stat(cfg.Root); err == nil && !info.IsDir() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is not a directory", errors.ErrInvalidConfig, cfg.Root), "Media", "New", "check root")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Media", "New", "create root")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := openManifest(ctx, filepath.Join(cfg.Root, "manifest.db"))
	if err != nil {
		return nil, err
	}

	client := deps.HTTPClient
	if client == nil {
		timeout := cfg.Timeout.Std()
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Downloader{
		root:     cfg.Root,
		skip:     make(map[string]bool, len(cfg.SkipUsers)),
		ownOnly:  cfg.OwnFavoritesOnly,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		manifest: m,
		logger:   logger,
		downloads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventrelay",
			Subsystem: "media",
			Name:      "download_seconds",
			Help:      "Photo download duration by result",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventrelay",
			Subsystem: "media",
			Name:      "bytes_total",
			Help:      "Bytes of photos written to the archive",
		}),
		archived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventrelay",
			Subsystem: "media",
			Name:      "archived_photos",
			Help:      "Photos recorded in the manifest",
		}),
	}
	for _, id := range cfg.SkipUsers {
		d.skip[id.String()] = true
	}
	if n, err := m.count(ctx); err == nil {
		d.archived.Set(float64(n))
	}
	d.registerMetrics(deps.Metrics)
	return d, nil
}

func (d *Downloader) registerMetrics(reg metric.MetricsRegistrar) {
	for name, c := range map[string]prometheus.Collector{
		"download_seconds": d.downloads,
		"bytes_total":      d.bytes,
		"archived_photos":  d.archived,
	} {
		if err := metric.ReplaceCollector(reg, Name, name, c); err != nil {
			d.logger.Warn("Failed to register media metrics", "metric", name, "error", err)
		}
	}
}

// Name returns the plugin name
func (d *Downloader) Name() string { return Name }

// Handlers returns the primary and favorite handlers
func (d *Downloader) Handlers() map[message.Category]plugin.Handler {
	return map[message.Category]plugin.Handler{
		message.Primary:       d.HandleStatus,
		message.FavoriteEvent: d.HandleFavorite,
	}
}

// Close closes the manifest
func (d *Downloader) Close() error {
	return d.manifest.close()
}

// Records lists the manifest in insertion order
func (d *Downloader) Records(ctx context.Context) ([]Record, error) {
	return d.manifest.records(ctx)
}

// HandleStatus saves the photos of an original status; retweets are skipped
func (d *Downloader) HandleStatus(ctx context.Context, msg message.Message, _ plugin.Event) error {
	if msg.Has("retweeted_status") {
		return nil
	}
	return d.saveStatus(ctx, msg)
}

// HandleFavorite saves the photos of favorited statuses. Webhook bodies
// carry favorite_events[].favorited_status; stream events carry the status
// in target_object.
func (d *Downloader) HandleFavorite(ctx context.Context, msg message.Message, ev plugin.Event) error {
	var errs []error

	if events := msg.Objects("favorite_events"); len(events) > 0 {
		for _, fe := range events {
			if !d.wantFavorite(fe.Str("user", "id_str"), fe.Str("user", "id"), ev.AccountID) {
				continue
			}
			if status := fe.Object("favorited_status"); status != nil {
				if err := d.saveStatus(ctx, status); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	}

	if !d.wantFavorite(msg.Str("source", "id_str"), msg.Str("source", "id"), ev.AccountID) {
		return nil
	}
	if status := msg.Object("target_object"); status != nil {
		return d.saveStatus(ctx, status)
	}
	return nil
}

func (d *Downloader) wantFavorite(idStr, id, account string) bool {
	if !d.ownOnly || account == "" {
		return true
	}
	return idStr == account || id == account
}

func (d *Downloader) saveStatus(ctx context.Context, status message.Message) error {
	user := status.Object("user")
	userID := user.ID()
	if d.skip[userID] {
		d.logger.Debug("Skipping media from ignored user", "user", userID)
		return nil
	}

	var errs []error
	for _, m := range status.Objects("extended_entities", "media") {
		if m.Str("type") != "photo" {
			continue
		}
		mediaURL := m.Str("media_url")
		if mediaURL == "" {
			mediaURL = m.Str("media_url_https")
		}
		if mediaURL == "" {
			continue
		}
		if err := d.save(ctx, status, user, mediaURL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Downloader) save(ctx context.Context, status, user message.Message, mediaURL string) error {
	dir, target, err := archivePath(d.root, user.Str("screen_name"), user.ID(), mediaURL)
	if err != nil {
		d.logger.Warn("Skipping media with unsafe path", "status", status.ID(), "media", mediaURL, "error", err)
		return nil
	}

	rec := Record{
		UserID:     user.ID(),
		ScreenName: user.Str("screen_name"),
		StatusID:   status.ID(),
		Text:       status.Str("text"),
		MediaURL:   mediaURL,
		Path:       target,
	}
	added, err := d.manifest.add(ctx, rec)
	if err != nil {
		return err
	}
	if !added {
		d.logger.Debug("Media already archived", "status", rec.StatusID, "media", mediaURL)
		return nil
	}

	d.archived.Inc()

	d.logger.Info("Downloading media", "screen_name", rec.ScreenName, "status", rec.StatusID, "media", mediaURL)
	start := time.Now()
	n, err := d.fetch(ctx, mediaURL+":orig", dir, target)
	if err != nil {
		d.downloads.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if rmErr := d.manifest.remove(ctx, rec.StatusID, mediaURL); rmErr != nil {
			d.logger.Warn("Failed to roll back manifest record", "error", rmErr)
		} else {
			d.archived.Dec()
		}
		return err
	}
	d.downloads.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	d.bytes.Add(float64(n))
	return nil
}

// archivePath returns the user directory and file for one photo. Names come
// from the message, so any part that could leave root is rejected.
func archivePath(root, screenName, userID, mediaURL string) (string, string, error) {
	for _, part := range []string{screenName, userID} {
		if strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
			return "", "", errors.WrapInvalid(fmt.Errorf("unsafe user name %q", part), "Media", "archivePath", "build path")
		}
	}
	base := path.Base(mediaURL)
	if base == "." || base == ".." || base == "/" || strings.ContainsAny(base, `/\`) {
		return "", "", errors.WrapInvalid(fmt.Errorf("unsafe file name %q", base), "Media", "archivePath", "build path")
	}

	cleanRoot := filepath.Clean(root)
	dir := filepath.Join(cleanRoot, fmt.Sprintf("@%s-%s", screenName, userID))
	target := filepath.Join(dir, base)
	if rel, err := filepath.Rel(cleanRoot, target); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", errors.WrapInvalid(fmt.Errorf("%q is outside %q", target, cleanRoot), "Media", "archivePath", "build path")
	}
	return dir, target, nil
}

// fetch downloads url into target through a temp file in the same dir and
// returns the bytes written
func (d *Downloader) fetch(ctx context.Context, url, dir, target string) (int64, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, errors.WrapTransient(err, "Media", "fetch", "wait for rate limiter")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.WrapFatal(err, "Media", "fetch", "create user directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Media", "fetch", "build request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, errors.WrapTransient(err, "Media", "fetch", "get "+url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.WrapTransient(fmt.Errorf("unexpected status %s", resp.Status), "Media", "fetch", "get "+url)
	}

	tmp, err := os.CreateTemp(dir, "."+strings.TrimPrefix(filepath.Base(target), ".")+".*")
	if err != nil {
		return 0, errors.WrapFatal(err, "Media", "fetch", "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return 0, errors.WrapTransient(err, "Media", "fetch", "read body")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.WrapFatal(err, "Media", "fetch", "close temp file")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, errors.WrapFatal(err, "Media", "fetch", "rename into place")
	}
	return n, nil
}
