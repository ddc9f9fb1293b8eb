// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/project"
)

// ExternalThresholdDefault is the default recency window (spec §9 Open
// Question 3 / §4.E rule 4) within which an unowned session's transcript
// mtime still counts as "external" rather than "idle".
const ExternalThresholdDefault = 60 * time.Second

// DebounceDefault coalesces bursts of fsnotify events per path (spec §4.B:
// "coalesces bursts with a ~100ms debounce per path").
const DebounceDefault = 100 * time.Millisecond

// sessionExt is the file extension for a session's transcript file.
const sessionExt = ".jsonl"

// Store is a read-only view over a root directory of project
// directories, each containing one JSONL file per session. The Store never
// writes to a transcript file (spec invariant).
type Store struct {
	root              string
	bus               *eventbus.Bus
	externalThreshold time.Duration
	debounce          time.Duration

	watchMu sync.Mutex
	timers  map[string]*time.Timer
}

// Option configures a Store.
type Option func(*Store)

// WithExternalThreshold overrides ExternalThresholdDefault.
func WithExternalThreshold(d time.Duration) Option {
	return func(s *Store) { s.externalThreshold = d }
}

// WithDebounce overrides DebounceDefault.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// New creates a Store rooted at root, publishing file-change events to bus.
func New(root string, bus *eventbus.Bus, opts ...Option) *Store {
	s := &Store{
		root:              root,
		bus:               bus,
		externalThreshold: ExternalThresholdDefault,
		debounce:          DebounceDefault,
		timers:            make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SessionPath returns the on-disk path for a session's transcript file.
func (s *Store) SessionPath(projectID, sessionID string) string {
	return filepath.Join(project.Dir(s.root, projectID), sessionID+sessionExt)
}

// ListSessionIDs lists the session-ids present under a project directory,
// derived from the `*.jsonl` filenames.
func (s *Store) ListSessionIDs(projectID string) ([]string, error) {
	dir := project.Dir(s.root, projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("transcript: list sessions in %q: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sessionExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), sessionExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadRecords streams a session's transcript file in order, decoding every
// line as a Record. Malformed lines are skipped rather than aborting the
// read; records of unrecognized types are kept and left for the Message
// projection to skip, per spec §6 ("unknown records must be preserved and
// skipped by readers").
func (s *Store) ReadRecords(projectID, sessionID string) ([]Record, error) {
	path := s.SessionPath(projectID, sessionID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("transcript: open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("transcript: scan %q: %w", path, err)
	}
	return records, nil
}

// ReadMessagesAfter reads a session's records and projects them to
// Messages, returning only the suffix strictly after afterUUID. If
// afterUUID is empty, the full projection is returned with found=true; if
// it is not found among the records, the full projection is returned with
// found=false (the caller treats "not found" as a resync signal, per spec
// §4.B).
func (s *Store) ReadMessagesAfter(projectID, sessionID, afterUUID string) (messages []Message, found bool, err error) {
	records, err := s.ReadRecords(projectID, sessionID)
	if err != nil {
		return nil, false, err
	}

	if afterUUID == "" {
		return ProjectMessages(records, "disk"), true, nil
	}

	cut := -1
	for i, r := range records {
		if r.UUID == afterUUID {
			cut = i
			break
		}
	}
	if cut == -1 {
		return ProjectMessages(records, "disk"), false, nil
	}
	return ProjectMessages(records[cut+1:], "disk"), true, nil
}

// ModTime returns a session's transcript file mtime, or the zero time if
// the file does not exist.
func (s *Store) ModTime(projectID, sessionID string) time.Time {
	fi, err := os.Stat(s.SessionPath(projectID, sessionID))
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// Status is the three-way classification from spec §4.E rule 4.
type Status string

const (
	StatusOwned    Status = "owned"
	StatusExternal Status = "external"
	StatusIdle     Status = "idle"
)

// Classify reports a session's status given whether the Supervisor
// currently owns it. A future-dated mtime (clock skew) is clamped to now
// rather than being treated as arbitrarily fresh, per spec §9.
func (s *Store) Classify(projectID, sessionID string, owned bool, now time.Time) Status {
	if owned {
		return StatusOwned
	}
	mtime := s.ModTime(projectID, sessionID)
	if mtime.IsZero() {
		return StatusIdle
	}
	if mtime.After(now) {
		mtime = now
	}
	if now.Sub(mtime) <= s.externalThreshold {
		return StatusExternal
	}
	return StatusIdle
}

// Watch starts watching the root directory tree for additions,
// modifications, and deletions, publishing eventbus.KindFileChange events
// after coalescing bursts per path with the configured debounce. It runs
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("transcript: new watcher: %w", err)
	}
	defer w.Close()

	if err := s.addWatches(w); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.onFsEvent(ctx, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			_ = err // watcher errors are dropped; Watch keeps running
		}
	}
}

// addWatches registers the root and every existing project directory so
// new-session files are seen; fsnotify does not recurse automatically.
func (s *Store) addWatches(w *fsnotify.Watcher) error {
	if err := w.Add(s.root); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transcript: watch root %q: %w", s.root, err)
	}
	infos, err := project.Enumerate(s.root)
	if err != nil {
		return err
	}
	for _, p := range infos {
		dir := project.Dir(s.root, p.ID)
		if err := w.Add(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("transcript: watch %q: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) onFsEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	// A new project directory appearing under root needs its own watch.
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.Add(ev.Name)
		}
	}
	if !strings.HasSuffix(ev.Name, sessionExt) {
		return
	}
	s.debouncedPublish(ctx, ev.Name)
}

// debouncedPublish coalesces repeated events for the same path into a
// single file-change publication, ~debounce after the last observed event.
func (s *Store) debouncedPublish(ctx context.Context, path string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.debounce, func() {
		s.watchMu.Lock()
		delete(s.timers, path)
		s.watchMu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
		s.bus.Publish(eventbus.Event{
			Kind: eventbus.KindFileChange,
			Data: FileChange{Path: path, ProjectID: filepath.Base(filepath.Dir(path)), SessionID: strings.TrimSuffix(filepath.Base(path), sessionExt)},
		})
	})
}

// FileChange is the payload carried by a KindFileChange event.
type FileChange struct {
	Path      string
	ProjectID string
	SessionID string
}
