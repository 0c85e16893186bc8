// Package policyfile applies the cellular networks listed in an on-disk
// policy document and re-applies it whenever the file changes.
package policyfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/esimd/internal/onc"
	"github.com/technosupport/esimd/internal/policy"
)

const (
	DefaultPollInterval = 60 * time.Second
	settleDelay         = 100 * time.Millisecond
)

// Document is the policy file format.
type Document struct {
	Cellular []onc.CellularNetwork `yaml:"cellular"`
}

// Installer queues a policy network install and reports the requests it still
// tracks.
type Installer interface {
	InstallESim(network onc.CellularNetwork) (string, error)
	PendingRequests() []policy.RequestInfo
}

type Options struct {
	PollInterval time.Duration
}

// Watcher hands every new (GUID, activation code) pair in the file to the
// installer once. A pair whose request the installer has since dropped or
// finished is handed over again on the next reload.
type Watcher struct {
	path      string
	installer Installer
	log       *zap.Logger
	poll      time.Duration

	reloadMu sync.Mutex

	mu      sync.Mutex
	applied map[string]string
	modTime time.Time
	size    int64
}

func New(path string, installer Installer, logger *zap.Logger, opts Options) *Watcher {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Watcher{
		path:      path,
		installer: installer,
		log:       logger.Named("policyfile"),
		poll:      poll,
		applied:   make(map[string]string),
	}
}

func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &doc, nil
}

// Reload reads the file and queues networks not applied before. A missing
// file is not an error.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return w.reload()
}

func (w *Watcher) reload() error {
	raw, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		w.log.Debug("policy file absent", zap.String("path", w.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy %s: %w", w.path, err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return err
	}

	w.forgetFinished()
	queued := 0
	for _, n := range doc.Cellular {
		if err := n.Validate(); err != nil {
			w.log.Warn("skipping invalid policy network", zap.String("guid", n.GUID), zap.Error(err))
			continue
		}
		code, _ := n.ActivationCode()
		key := n.GUID + "|" + code.String()

		w.mu.Lock()
		_, done := w.applied[key]
		w.mu.Unlock()
		if done {
			continue
		}

		id, err := w.installer.InstallESim(n)
		if err != nil {
			w.log.Error("failed to queue policy network", zap.String("guid", n.GUID), zap.Error(err))
			continue
		}
		w.mu.Lock()
		w.applied[key] = id
		w.mu.Unlock()
		queued++
	}
	if queued > 0 {
		w.log.Info("applied cellular policy", zap.String("path", w.path), zap.Int("queued", queued))
	}
	return nil
}

func (w *Watcher) forgetFinished() {
	live := make(map[string]bool)
	for _, r := range w.installer.PendingRequests() {
		live[r.ID] = true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, id := range w.applied {
		if !live[id] {
			delete(w.applied, key)
		}
	}
}

// ReloadIfChanged reloads only when the file's size or modification time moved.
func (w *Watcher) ReloadIfChanged() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.modTime) && info.Size() == w.size
	w.mu.Unlock()
	if same {
		return nil
	}
	if err := w.reload(); err != nil {
		return err
	}
	w.mu.Lock()
	w.modTime = info.ModTime()
	w.size = info.Size()
	w.mu.Unlock()
	return nil
}

// Applied returns the number of networks whose request is still tracked.
func (w *Watcher) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.applied)
}

// Start applies the file once and then follows it with fsnotify on the parent
// directory plus a polling loop, both until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	if err := w.ReloadIfChanged(); err != nil {
		w.log.Warn("initial policy load failed", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.log.Warn("failed to watch policy directory, polling only", zap.String("path", w.path), zap.Error(err))
		watcher.Close()
	} else {
		go w.watch(ctx, watcher)
	}

	go func() {
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.ReloadIfChanged(); err != nil {
					w.log.Warn("policy reload failed", zap.Error(err))
				}
			}
		}
	}()
}

func (w *Watcher) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			time.Sleep(settleDelay)
			if err := w.ReloadIfChanged(); err != nil {
				w.log.Warn("policy reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("policy watcher error", zap.Error(err))
		}
	}
}
