// Package orchestrator drives the editing cycle: on every (debounced)
// buffer change it parses the buffer, syncs the change set into the store,
// renders the view back and fans the resulting packet out to the directory
// and realtime sync paths.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/canopyhq/canopy/pkg/bufsync"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/parser"
	"github.com/canopyhq/canopy/pkg/render"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// Broadcaster fans the buffer-sync packet out to realtime peers.
// *realtime.Session implements it.
type Broadcaster interface {
	BroadcastChanges(packet *types.BroadcastPacket)
}

// Orchestrator owns the per-buffer cycle state.
type Orchestrator struct {
	db       *store.DB
	cfg      *config.Config
	editor   Editor
	prompter Prompter

	broadcaster Broadcaster
	gitTrigger  *Trigger
	syncTrigger *Trigger

	lastSync map[string]*types.LastSync
	enabled  bool
	logger   zerolog.Logger
}

func New(db *store.DB, cfg *config.Config, editor Editor, prompter Prompter, broadcaster Broadcaster, gitTrigger *Trigger) *Orchestrator {
	return &Orchestrator{
		db:          db,
		cfg:         cfg,
		editor:      editor,
		prompter:    prompter,
		broadcaster: broadcaster,
		gitTrigger:  gitTrigger,
		syncTrigger: NewTrigger(),
		lastSync:    make(map[string]*types.LastSync),
		enabled:     true,
		logger:      log.WithComponent("orchestrator"),
	}
}

// Trigger requests a sync cycle; bursts collapse.
func (o *Orchestrator) Trigger() { o.syncTrigger.Set() }

// SetBroadcaster wires the realtime session in after construction; the
// session's change callback is this orchestrator's trigger, so the two
// reference each other.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) { o.broadcaster = b }

// Enabled reports whether parsing is active. A paused uncertain-children
// prompt disables it until Toggle.
func (o *Orchestrator) Enabled() bool { return o.enabled }

// Toggle flips parsing on or off, running a cycle when re-enabled.
func (o *Orchestrator) Toggle() {
	o.enabled = !o.enabled
	if o.enabled {
		o.Trigger()
	}
}

// LastSyncFor exposes the buffer's snapshot for cursor-addressed
// operations.
func (o *Orchestrator) LastSyncFor(buffer string) *types.LastSync {
	if ls, ok := o.lastSync[buffer]; ok {
		return ls
	}
	ls := types.NewLastSync()
	o.lastSync[buffer] = ls
	return ls
}

// Run processes trigger wakes until ctx ends, debouncing and throttling the
// cycles.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info().Msg("orchestrator started")
	for o.syncTrigger.Wait(ctx) {
		sleep(ctx, o.cfg.Editor.DebounceInterval)
		if err := o.Cycle(nil, 0); err != nil {
			o.logger.Error().Err(err).Msg("sync cycle failed")
		}
		sleep(ctx, o.cfg.Editor.ThrottleInterval)
	}
	o.logger.Info().Msg("orchestrator stopped")
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Cycle runs one parse-sync-render pass inside a single write transaction.
// A non-nil view renders that view instead of the parsed one (fold toggles,
// hoist); foldLevel caps rendered depth when positive.
func (o *Orchestrator) Cycle(view *types.View, foldLevel int) error {
	if !o.enabled {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues("buffer").Observe(time.Since(start).Seconds())
		metrics.SyncCyclesTotal.WithLabelValues("buffer").Inc()
	}()

	mainID, transposed, err := o.resolveBuffer(view)
	if err != nil || mainID == "" {
		return err
	}
	bufferName := o.editor.Name()
	lastSync := o.LastSyncFor(bufferName)

	// File-backed editors pick up external writes before the parse.
	if fb, ok := o.editor.(interface{ Reload() error }); ok {
		if err := fb.Reload(); err != nil {
			return err
		}
	}

	var packet *types.BroadcastPacket
	rendered := false
	err = o.db.Update(func(txn *store.Txn) error {
		p := parser.New(txn, parser.Options{
			LongIDs:        o.cfg.Editor.LongIDs,
			ConflictMarker: o.cfg.Editor.ConflictMarker,
		})

		rootView := view
		for rootView == nil {
			parsed, changes, parseErr := p.Parse(o.editor.Lines(), mainID, lastSync, transposed)
			if parseErr != nil {
				cont, handleErr := o.handleParseError(parseErr, lastSync)
				if handleErr != nil {
					return handleErr
				}
				if !cont {
					return nil
				}
				continue
			}
			packet, parseErr = bufsync.Sync(txn, parsed, changes, lastSync, o.cfg.Editor.ConflictMarker, o.broadcaster != nil)
			if parseErr != nil {
				return parseErr
			}
			rootView = parsed
		}

		o.editor.ClearHighlights()
		o.editor.SetWritable(true)

		lines, newLastSync, renderErr := render.Lines(txn, rootView, render.Options{
			NestLevelSpaces: o.cfg.Editor.NestLevelSpaces,
			LongIDs:         o.cfg.Editor.LongIDs,
			FoldLevel:       foldLevel,
		})
		if renderErr != nil {
			return renderErr
		}
		old := render.Apply(o.editor, lines)
		o.lastSync[bufferName] = newLastSync
		rendered = !linesEqual(old, lines)
		return nil
	})
	if err != nil {
		return err
	}

	// Flush only actual changes; rewriting identical bytes would fire the
	// file watcher and spin the cycle.
	if rendered {
		if fb, ok := o.editor.(interface{ Flush() error }); ok {
			if err := fb.Flush(); err != nil {
				return err
			}
		}
	}

	if o.broadcaster != nil && !packet.Empty() {
		o.broadcaster.BroadcastChanges(packet)
	}
	if o.gitTrigger != nil {
		o.gitTrigger.Set()
	}
	return nil
}

// handleParseError maps the two parse errors onto the editor: duplicate
// siblings highlight both ranges and freeze writes; uncertain children
// prompt the caller and either resume (drop the node's snapshot, re-parse)
// or pause parsing entirely.
func (o *Orchestrator) handleParseError(parseErr error, lastSync *types.LastSync) (resume bool, err error) {
	var dup *types.DuplicateSiblingError
	if errors.As(parseErr, &dup) {
		o.editor.SetWritable(false)
		for _, r := range dup.Ranges {
			o.editor.HighlightLines(r.Start, r.End)
		}
		o.logger.Warn().Str("node_id", string(dup.NodeID)).Msg("duplicate siblings in buffer")
		return false, nil
	}

	var uncertain *types.UncertainChildrenError
	if errors.As(parseErr, &uncertain) {
		o.editor.SetWritable(false)
		o.editor.HighlightLines(uncertain.Range.Start, uncertain.Range.End)
		if o.prompter != nil && o.prompter.ResolveUncertain(uncertain) {
			lastSync.Pop(uncertain.NodeID)
			return true, nil
		}
		o.enabled = false
		return false, nil
	}

	return false, parseErr
}

// resolveBuffer maps the open buffer file to its node. An invalid buffer
// navigates to the root node's file instead; the cycle continues there on
// the next trigger.
func (o *Orchestrator) resolveBuffer(view *types.View) (types.NodeID, bool, error) {
	mainID, transposed, err := ParseFilePath(o.editor.Name())
	valid := err == nil
	if valid {
		err = o.db.View(func(txn *store.Txn) error {
			ok, checkErr := txn.IsValidNode(mainID)
			if checkErr != nil {
				return checkErr
			}
			valid = ok
			return nil
		})
		if err != nil {
			return "", false, err
		}
	}
	if !valid {
		var rootID types.NodeID
		err := o.db.View(func(txn *store.Txn) error {
			var rootErr error
			rootID, rootErr = txn.RootID()
			return rootErr
		})
		if err != nil {
			return "", false, err
		}
		if err := o.editor.OpenFile(NodeFilePath(o.cfg.FileDir(), rootID, transposed)); err != nil {
			return "", false, err
		}
		o.Trigger()
		return "", false, nil
	}

	if view != nil && view.MainID != mainID {
		if err := o.editor.OpenFile(NodeFilePath(o.cfg.FileDir(), view.MainID, view.Transposed)); err != nil {
			return "", false, err
		}
		o.Trigger()
		return "", false, nil
	}
	return mainID, transposed, nil
}

// Hoist persists the view rooted at the cursor's node and navigates to it.
func (o *Orchestrator) Hoist(line int) error {
	info, ok := o.lineInfo(line)
	if !ok {
		return &types.KeyNotFoundError{Key: "line info"}
	}
	view := &types.View{MainID: info.NodeID, Tree: info.Context[info.NodeID]}
	if err := o.db.Update(func(txn *store.Txn) error {
		return txn.SetNodeView(view)
	}); err != nil {
		return err
	}
	return o.editor.OpenFile(NodeFilePath(o.cfg.FileDir(), view.MainID, false))
}

// ToggleFold flips the expansion of the node under the cursor and
// re-renders.
func (o *Orchestrator) ToggleFold(line int) error {
	info, ok := o.lineInfo(line)
	if !ok {
		return &types.KeyNotFoundError{Key: "line info"}
	}
	rootInfo, ok := o.lineInfo(0)
	if !ok || info.NodeID == rootInfo.NodeID {
		return nil
	}
	sub, expanded := info.Context[info.NodeID]
	if expanded && sub != nil {
		info.Context[info.NodeID] = nil
	} else {
		if sub == nil {
			sub = types.Tree{}
		}
		info.Context[info.NodeID] = sub
	}
	view := &types.View{MainID: rootInfo.NodeID, Tree: rootInfo.Context[rootInfo.NodeID]}
	return o.Cycle(view, 0)
}

// CurrentNodeID resolves the node rendered at (or above) the given line.
func (o *Orchestrator) CurrentNodeID(line int) (types.NodeID, bool) {
	info, ok := o.lineInfo(line)
	if !ok {
		return "", false
	}
	return info.NodeID, true
}

// Transpose switches the buffer between the node's children and parents
// perspective.
func (o *Orchestrator) Transpose(line int) error {
	info, ok := o.lineInfo(line)
	if !ok {
		return &types.KeyNotFoundError{Key: "line info"}
	}
	_, transposed, err := ParseFilePath(o.editor.Name())
	if err != nil {
		return err
	}
	return o.editor.OpenFile(NodeFilePath(o.cfg.FileDir(), info.NodeID, !transposed))
}

func (o *Orchestrator) lineInfo(line int) (types.LineInfo, bool) {
	lastSync := o.LastSyncFor(o.editor.Name())
	for l := line; l >= 0; l-- {
		if info, ok := lastSync.LineInfo[l]; ok {
			return info, true
		}
	}
	return types.LineInfo{}, false
}

// WatchFiles feeds the trigger from filesystem changes to the open buffer
// file, for editors that write to disk rather than calling in-process.
func (o *Orchestrator) WatchFiles(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && event.Name == o.editor.Name() {
					o.Trigger()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
