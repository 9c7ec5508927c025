package config

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// ReloadTrigger merges reload signals and config file changes into a single
// coalescing channel. Either source may be absent.
type ReloadTrigger struct {
	signals []os.Signal
	watcher *Watcher
	out     chan struct{}
	logger  *slog.Logger
}

// NewReloadTrigger watches path (when not empty) and listens for sigs.
// Watcher options are applied to the file watcher.
func NewReloadTrigger(path string, sigs []os.Signal, opts ...WatcherOption) (*ReloadTrigger, error) {
	t := &ReloadTrigger{
		signals: sigs,
		out:     make(chan struct{}, 1),
		logger:  slog.Default(),
	}
	if path != "" {
		w, err := NewWatcher(path, opts...)
		if err != nil {
			return nil, err
		}
		t.watcher = w
		t.logger = w.logger
	}
	return t, nil
}

// C delivers one value per pending reload request
func (t *ReloadTrigger) C() <-chan struct{} {
	return t.out
}

// Run forwards triggers until ctx is cancelled
func (t *ReloadTrigger) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	if len(t.signals) > 0 {
		signal.Notify(sigCh, t.signals...)
		defer signal.Stop(sigCh)
	}

	var changes <-chan struct{}
	watchDone := make(chan error, 1)
	if t.watcher != nil {
		changes = t.watcher.Changes()
		go func() { watchDone <- t.watcher.Run(ctx) }()
	} else {
		watchDone <- nil
	}

	for {
		select {
		case <-ctx.Done():
			return <-watchDone
		case sig := <-sigCh:
			t.logger.Info("Reload requested by signal", "signal", sig.String())
			t.fire()
		case <-changes:
			t.logger.Info("Reload requested by config file change")
			t.fire()
		}
	}
}

func (t *ReloadTrigger) fire() {
	select {
	case t.out <- struct{}{}:
	default:
	}
}
