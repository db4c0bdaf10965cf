// Package watcher monitors TagTime logs and reports them once they settle.
//
// Clients append to logs while pinging and merges replace them atomically.
// The watcher waits until a log has been quiet for the debounce interval,
// digests it and emits an Event, so importers never read a half-written file.
package watcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// Event reports a log that is stable after a change.
type Event struct {
	Path      string
	Digest    [32]byte
	Size      int64
	Timestamp time.Time
}

// Options tune a Watcher.
type Options struct {
	// Debounce is how long a file must be unchanged before it is reported.
	Debounce time.Duration

	// MaxFileSize skips larger files when positive.
	MaxFileSize int64

	// Pattern selects files inside watched directories.
	Pattern string
}

// Watcher monitors log files and directories for changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     []string
	opts      Options

	// files explicitly named by the caller; dirs watched for Pattern matches
	files map[string]bool
	dirs  map[string]bool

	// path -> last change time, for files waiting to settle
	state   map[string]time.Time
	digests map[string][32]byte
	stateMu sync.RWMutex

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for the given log files or directories.
func New(paths []string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Pattern == "" {
		opts.Pattern = "*.log"
	}
	if _, err := filepath.Match(opts.Pattern, "x"); err != nil {
		return nil, fmt.Errorf("watcher: bad pattern %q: %w", opts.Pattern, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		paths:     paths,
		opts:      opts,
		files:     make(map[string]bool),
		dirs:      make(map[string]bool),
		state:     make(map[string]time.Time),
		digests:   make(map[string][32]byte),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of stable-log events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching all configured paths. Existing logs are reported
// once they are found stable, which gives callers an initial import.
func (w *Watcher) Start() error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}

		if info.IsDir() {
			if err := w.fsWatcher.Add(absPath); err != nil {
				return err
			}
			w.dirs[absPath] = true

			entries, err := os.ReadDir(absPath)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if !entry.IsDir() && w.matches(entry.Name()) {
					w.trackFile(filepath.Join(absPath, entry.Name()))
				}
			}
			continue
		}

		// Watch the directory so atomic replacements are seen.
		if err := w.fsWatcher.Add(filepath.Dir(absPath)); err != nil {
			return err
		}
		w.files[absPath] = true
		w.trackFile(absPath)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) matches(name string) bool {
	ok, _ := filepath.Match(w.opts.Pattern, name)
	return ok
}

// wanted reports whether path is a file the caller asked about.
func (w *Watcher) wanted(path string) bool {
	if w.files[path] {
		return true
	}
	return w.dirs[filepath.Dir(path)] && w.matches(filepath.Base(path))
}

// trackFile records an existing file as already settled.
func (w *Watcher) trackFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.stateMu.Lock()
	w.state[path] = info.ModTime()
	w.stateMu.Unlock()
}

func (w *Watcher) sendErr(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !w.wanted(event.Name) {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}

			w.stateMu.Lock()
			w.state[event.Name] = time.Now()
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendErr(err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.opts.Debounce / 2
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles reports files that have not changed for the debounce
// interval. File I/O happens without the lock so eventLoop is not blocked.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.opts.Debounce)

	var stableFiles []stableFile
	w.stateMu.RLock()
	for path, lastMod := range w.state {
		if lastMod.Before(threshold) {
			stableFiles = append(stableFiles, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.RUnlock()

	if len(stableFiles) == 0 {
		return
	}

	type digestResult struct {
		stableFile
		digest [32]byte
		size   int64
		err    error
	}
	results := make([]digestResult, 0, len(stableFiles))

	for _, sf := range stableFiles {
		r := digestResult{stableFile: sf}
		if w.opts.MaxFileSize > 0 {
			if info, err := os.Stat(sf.path); err == nil && info.Size() > w.opts.MaxFileSize {
				r.err = fmt.Errorf("watcher: %s exceeds %d bytes", sf.path, w.opts.MaxFileSize)
				results = append(results, r)
				continue
			}
		}
		r.digest, r.size, r.err = HashFile(sf.path)
		results = append(results, r)
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		if current, ok := w.state[r.path]; !ok || current != r.lastMod {
			// Changed while we were reading; wait for it to settle again.
			continue
		}
		if r.err != nil {
			delete(w.state, r.path)
			w.sendErr(r.err)
			continue
		}
		if prev, ok := w.digests[r.path]; ok && prev == r.digest {
			// Touched but not changed.
			delete(w.state, r.path)
			continue
		}

		event := Event{
			Path:      r.path,
			Digest:    r.digest,
			Size:      r.size,
			Timestamp: now,
		}

		select {
		case w.events <- event:
			delete(w.state, r.path)
			w.digests[r.path] = r.digest
		default:
			// Event channel full, try again next tick.
		}
	}
}

// HashFile computes the BLAKE2b-256 digest of a file by streaming it.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, size, nil
}

// WatchedPaths returns the list of paths being watched.
func (w *Watcher) WatchedPaths() []string {
	return w.paths
}

// TrackedFiles returns the number of files waiting to settle.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}
