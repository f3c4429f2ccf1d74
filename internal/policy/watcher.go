package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"lukhas/internal/logging"
)

// Watcher holds the active policy document and reloads it when the file
// changes on disk. A document that fails to parse or validate is rejected and
// the previous one stays active.
type Watcher struct {
	path    string
	current atomic.Pointer[Document]

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	subscribers []func(*Document)
	pending     time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	reloads     int
	rejects     int
}

// NewWatcher loads the policy at path. The watcher does not observe the file
// until Start is called.
func NewWatcher(path string) (*Watcher, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:        path,
		debounceDur: 200 * time.Millisecond,
	}
	w.current.Store(doc)
	logAudit(logging.AuditPolicyLoad, path, doc, nil)
	return w, nil
}

// Current returns the active document.
func (w *Watcher) Current() *Document {
	return w.current.Load()
}

// Subscribe registers fn to receive every newly accepted document.
func (w *Watcher) Subscribe(fn func(*Document)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Stats returns the number of accepted reloads and rejected documents.
func (w *Watcher) Stats() (reloads, rejects int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.rejects
}

// Start begins watching. The parent directory is watched rather than the file
// so that editors which replace the file on save are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run(ctx)

	logging.Policy("watching %s", w.path)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	if err := w.watcher.Close(); err != nil {
		logging.PolicyWarn("error closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			logging.PolicyDebug("%s event for %s", event.Op, event.Name)
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.PolicyWarn("watcher error: %v", err)
		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounceDur
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.Reload()
			}
		}
	}
}

// Reload re-reads the policy file. On success the new document replaces the
// active one and subscribers are notified.
func (w *Watcher) Reload() error {
	doc, err := Load(w.path)
	if err != nil {
		w.mu.Lock()
		w.rejects++
		w.mu.Unlock()
		logging.PolicyWarn("rejected policy reload: %v", err)
		logAudit(logging.AuditPolicyReject, w.path, nil, err)
		return err
	}

	w.current.Store(doc)

	w.mu.Lock()
	w.reloads++
	subs := append([]func(*Document){}, w.subscribers...)
	w.mu.Unlock()

	logging.Policy("policy reloaded: version=%s rules=%d", doc.Version, doc.RuleCount())
	logAudit(logging.AuditPolicyReload, w.path, doc, nil)
	for _, fn := range subs {
		fn(doc)
	}
	return nil
}

func logAudit(kind logging.AuditEventType, path string, doc *Document, err error) {
	ev := logging.AuditEvent{
		EventType: kind,
		Target:    path,
		Success:   err == nil,
	}
	if doc != nil {
		ev.Message = doc.Version
	}
	if err != nil {
		ev.Error = err.Error()
	}
	logging.Audit(logging.CategoryPolicy).Log(ev)
}
