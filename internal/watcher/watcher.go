// Package watcher announces coding-agent session milestones by tailing
// transcript files (*.jsonl) under a projects directory.
//
// An assistant turn ending (stop_reason end_turn) queues a short completion
// phrase, debounced so a burst of turns speaks once. A Task tool_use queues
// "Spawning <description>".
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"voicetray/internal/relay"
	logx "voicetray/pkg/logx"
)

type Config struct {
	Dir            string
	CompletionText string
	CompletionRate int
	SpawnRate      int
	Debounce       time.Duration
	Agent          string
}

// Submitter is the relay entry point.
type Submitter interface {
	Submit(in relay.Input, src relay.Source) (relay.Request, error)
}

type Watcher struct {
	cfg      Config
	sub      Submitter
	log      logx.Logger
	debounce *rate.Limiter
	tail     *tailer
}

func New(cfg Config, sub Submitter, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if strings.TrimSpace(cfg.CompletionText) == "" {
		cfg.CompletionText = "Claude Stop"
	}
	cfg.Dir = ExpandHome(cfg.Dir)
	return &Watcher{
		cfg:      cfg,
		sub:      sub,
		log:      log,
		debounce: rate.NewLimiter(rate.Every(cfg.Debounce), 1),
		tail:     newTailer(),
	}
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(p string) string {
	p = strings.TrimSpace(p)
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Run watches until ctx is canceled. A missing directory is not an error:
// the watcher logs and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	root := w.cfg.Dir
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		w.log.Info("session watcher disabled: directory not found", logx.String("dir", root))
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("session watcher: %w", err)
	}
	defer fw.Close()

	if err := w.tail.prime(root); err != nil {
		w.log.Warn("session watcher prime failed", logx.String("dir", root), logx.Err(err))
	}
	dirs := w.addTree(fw, root)
	w.log.Info("session watcher started", logx.String("dir", root), logx.Int("dirs", dirs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("session watcher overflow; some appends may be missed")
				continue
			}
			w.log.Warn("session watcher error", logx.Err(err))
		}
	}
}

// addTree watches root and every directory below it. fsnotify is not recursive.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			w.log.Debug("watch add failed", logx.String("dir", path), logx.Err(err))
			return nil
		}
		n++
		return nil
	})
	return n
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.tail.forget(ev.Name)
		return
	case ev.Has(fsnotify.Create):
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			w.addTree(fw, ev.Name)
			w.scanNew(ev.Name)
			return
		}
	case !ev.Has(fsnotify.Write):
		return
	}
	if isTranscript(ev.Name) {
		w.process(ev.Name)
	}
}

// scanNew reads transcripts that appeared inside a directory before its watch existed.
func (w *Watcher) scanNew(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && isTranscript(path) {
			w.process(path)
		}
		return nil
	})
}

func (w *Watcher) process(path string) {
	chunk, err := w.tail.next(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Debug("transcript read failed", logx.String("path", path), logx.Err(err))
		}
		return
	}
	if len(chunk) == 0 {
		return
	}
	w.announce(ParseLines(chunk), path)
}

func (w *Watcher) announce(ev LineEvent, path string) {
	var in relay.Input
	switch ev.Kind {
	case KindCompletion:
		if !w.debounce.Allow() {
			w.log.Trace("completion debounced", logx.String("path", path))
			return
		}
		in = relay.Input{Text: w.cfg.CompletionText, Rate: rateOrNil(w.cfg.CompletionRate)}
	case KindSpawn:
		in = relay.Input{Text: "Spawning " + ev.Desc, Rate: rateOrNil(w.cfg.SpawnRate)}
	default:
		return
	}
	in.Agent = w.cfg.Agent

	r, err := w.sub.Submit(in, relay.SourceWatcher)
	if err != nil {
		w.log.Warn("session event not queued", logx.String("text", in.Text), logx.Err(err))
		return
	}
	w.log.Debug("session event queued", logx.Uint64("id", r.ID), logx.String("text", in.Text), logx.String("file", filepath.Base(path)))
}

func rateOrNil(r int) *int {
	if r <= 0 {
		return nil
	}
	return &r
}
