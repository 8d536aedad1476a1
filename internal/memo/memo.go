// Package memo stores free-text memo pads, one document per pad.
package memo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
)

// DefaultAutosaveDelay is how long a pad waits after the last edit before saving.
const DefaultAutosaveDelay = time.Second

// Pads reads and writes memo pads.
type Pads struct {
	store docstore.Store
}

// New returns Pads backed by store.
func New(store docstore.Store) *Pads {
	return &Pads{store: store}
}

// Load returns the content of pad, or "" when it has never been saved.
func (p *Pads) Load(ctx context.Context, pad string) (string, error) {
	snap, err := docstore.GetOrMissing(ctx, p.store, model.MemoRef(pad))
	if err != nil {
		return "", fmt.Errorf("failed to load memo %q: %w", pad, err)
	}
	content, _, err := docstore.DecodeField[string](snap, model.MemoField)
	if err != nil {
		return "", err
	}
	return content, nil
}

// Save replaces the content of pad.
func (p *Pads) Save(ctx context.Context, pad, content string) error {
	if _, err := p.store.Set(ctx, model.MemoRef(pad), docstore.Data{model.MemoField: content}); err != nil {
		return fmt.Errorf("failed to save memo %q: %w", pad, err)
	}
	return nil
}

// List returns the names of saved pads when the store can enumerate
// documents.
func (p *Pads) List(ctx context.Context) ([]string, error) {
	lister, ok := p.store.(docstore.Lister)
	if !ok {
		return nil, errors.New("store cannot list documents")
	}
	refs, err := lister.List(ctx, model.MemoCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to list memos: %w", err)
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.ID)
	}
	return names, nil
}

// Autosaver saves a pad shortly after it stops changing.
type Autosaver struct {
	pads   *Pads
	pad    string
	delay  time.Duration
	logger *log.Logger

	saveMu sync.Mutex

	mu      sync.Mutex
	content string
	dirty   bool
	timer   *time.Timer
}

// Autosave returns an Autosaver for pad starting from content. A zero
// delay means DefaultAutosaveDelay; a nil logger discards.
func (p *Pads) Autosave(pad, content string, delay time.Duration, logger *log.Logger) *Autosaver {
	if delay <= 0 {
		delay = DefaultAutosaveDelay
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Autosaver{pads: p, pad: pad, delay: delay, logger: logger, content: content}
}

// Content returns the latest edited content.
func (a *Autosaver) Content() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.content
}

// Edit replaces the content and restarts the save timer.
func (a *Autosaver) Edit(content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.content = content
	a.dirty = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, func() {
		if err := a.Flush(context.Background()); err != nil {
			a.logger.Printf("autosave of memo %q failed: %v", a.pad, err)
		}
	})
}

// Flush saves pending content now.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	content := a.content
	a.dirty = false
	a.mu.Unlock()

	if err := a.pads.Save(ctx, a.pad, content); err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
		return err
	}
	return nil
}

// Stop saves pending content and disables the timer.
func (a *Autosaver) Stop(ctx context.Context) error {
	return a.Flush(ctx)
}
