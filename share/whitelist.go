package wsgshare

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Whitelist is the allow-list of acceptable client public-key hashes:
// a newline-delimited text file of lowercase hex SHA-1 digests, blank
// lines ignored. The file is created empty if missing, and hot-reloaded
// on change. Readers see an immutable snapshot swapped atomically,
// never a partially-loaded list.
type Whitelist struct {
	ShutdownHelper
	path     string
	snapshot atomic.Value // map[string]struct{}
	watcher  *fsnotify.Watcher
}

// NewWhitelist loads the allow-list at path, creating it empty if it
// does not exist
func NewWhitelist(logger Logger, path string) (*Whitelist, error) {
	w := &Whitelist{path: path}
	w.InitShutdownHelper(logger.Fork("whitelist(%s)", path), w)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		w.ILogf("Allow-list file missing, creating empty")
		if err := ioutil.WriteFile(path, nil, 0644); err != nil {
			return nil, w.Errorf("Failed to create allow-list file: %s", err)
		}
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload reads the file and swaps in a fresh snapshot
func (w *Whitelist) Reload() error {
	data, err := ioutil.ReadFile(w.path)
	if err != nil {
		return w.Errorf("Failed to read allow-list: %s", err)
	}
	hashes := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		hashes[line] = struct{}{}
	}
	w.snapshot.Store(hashes)
	w.ILogf("Loaded %d client key hash(es)", len(hashes))
	return nil
}

// Allowed returns true if the given lowercase hex hash is in the
// current snapshot. Lock-free.
func (w *Whitelist) Allowed(hash string) bool {
	hashes := w.snapshot.Load().(map[string]struct{})
	_, ok := hashes[strings.ToLower(hash)]
	return ok
}

// Len returns the number of hashes in the current snapshot
func (w *Whitelist) Len() int {
	return len(w.snapshot.Load().(map[string]struct{}))
}

// Watch starts watching the allow-list file for changes, reloading the
// snapshot on each. The parent directory is watched so that
// rename-into-place edits are seen.
func (w *Whitelist) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w.Errorf("Failed to create file watcher: %s", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return w.Errorf("Failed to watch allow-list directory: %s", err)
	}
	w.watcher = watcher
	go w.watchLoop()
	return nil
}

func (w *Whitelist) watchLoop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.ShutdownStartedChan():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.DLogf("Allow-list changed (%s), reloading", event.Op)
			if err := w.Reload(); err != nil {
				w.WLogf("Reload failed, keeping previous snapshot: %s", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.WLogf("File watcher error: %s", err)
		}
	}
}

// HandleOnceShutdown stops the watcher, if any
func (w *Whitelist) HandleOnceShutdown(completionErr error) error {
	if w.watcher != nil {
		w.watcher.Close()
	}
	return completionErr
}
