package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/homeboard/homeboard/internal/docstore"
)

// docOp is the kind of change seen on a document file.
type docOp int

const (
	opWrite docOp = iota
	opDelete
)

// String returns a human-readable representation of the operation.
func (op docOp) String() string {
	switch op {
	case opWrite:
		return "write"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// docEvent is a file system change mapped to a document.
type docEvent struct {
	Ref docstore.Ref
	Op  docOp
}

// dirWatcher watches the store root and every collection directory below
// it. fsnotify is not recursive, so new collection directories are added as
// they appear.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	events  chan docEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	watched map[string]bool
}

func newDirWatcher(root string) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &dirWatcher{
		watcher: w,
		root:    root,
		events:  make(chan docEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}, nil
}

// start watches root and the collection directories that already exist.
func (dw *dirWatcher) start() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := dw.watcher.Add(dw.root); err != nil {
		return fmt.Errorf("failed to watch store directory %s: %w", dw.root, err)
	}

	entries, err := os.ReadDir(dw.root)
	if err != nil {
		return fmt.Errorf("failed to read store directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dir := filepath.Join(dw.root, e.Name())
			if err := dw.watcher.Add(dir); err != nil {
				return fmt.Errorf("failed to watch collection directory %s: %w", dir, err)
			}
			dw.watched[dir] = true
		}
	}

	dw.running = true
	dw.wg.Add(1)
	go dw.processEvents()
	return nil
}

// stop closes the watcher and waits for the event loop to exit.
func (dw *dirWatcher) stop() error {
	dw.mu.Lock()
	if !dw.running {
		dw.mu.Unlock()
		return dw.watcher.Close()
	}
	dw.running = false
	dw.mu.Unlock()

	close(dw.done)
	if err := dw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	dw.wg.Wait()

	close(dw.events)
	close(dw.errors)
	return nil
}

func (dw *dirWatcher) processEvents() {
	defer dw.wg.Done()

	for {
		select {
		case <-dw.done:
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			for _, de := range dw.convertEvent(event) {
				select {
				case dw.events <- de:
				case <-dw.done:
					return
				}
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case dw.errors <- err:
			case <-dw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to zero or more document events. A
// new collection directory is watched and its existing files are reported,
// since they may have been written before the watch was in place.
func (dw *dirWatcher) convertEvent(event fsnotify.Event) []docEvent {
	dir := filepath.Dir(event.Name)

	if dir == dw.root {
		if !event.Has(fsnotify.Create) {
			return nil
		}
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		return dw.addCollection(event.Name)
	}

	if filepath.Dir(dir) != dw.root {
		return nil
	}
	ref, ok := refForPath(dir, event.Name)
	if !ok {
		return nil
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return []docEvent{{Ref: ref, Op: opWrite}}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return []docEvent{{Ref: ref, Op: opDelete}}
	default:
		// chmod
		return nil
	}
}

func (dw *dirWatcher) addCollection(dir string) []docEvent {
	dw.mu.Lock()
	already := dw.watched[dir]
	dw.watched[dir] = true
	dw.mu.Unlock()
	if already {
		return nil
	}

	if err := dw.watcher.Add(dir); err != nil {
		select {
		case dw.errors <- fmt.Errorf("failed to watch collection directory %s: %w", dir, err):
		default:
		}
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []docEvent
	for _, e := range entries {
		if ref, ok := refForPath(dir, filepath.Join(dir, e.Name())); ok {
			out = append(out, docEvent{Ref: ref, Op: opWrite})
		}
	}
	return out
}

// refForPath returns the document a file name stands for. Temp files and
// anything not ending in .json are ignored.
func refForPath(dir, path string) (docstore.Ref, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return docstore.Ref{}, false
	}
	ref := docstore.NewRef(filepath.Base(dir), strings.TrimSuffix(name, ".json"))
	if ref.Validate() != nil {
		return docstore.Ref{}, false
	}
	return ref, true
}
