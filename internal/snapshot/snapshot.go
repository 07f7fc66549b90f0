// Package snapshot protects passing work from regressing retries. An
// arena keeps path-keyed file versions per iteration; a Snapshot is the
// set of known-good files taken immediately before a retry build.
package snapshot

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/workspace"
)

// Arena stores file versions indexed by (path, iteration), so repeated
// snapshots do not deep-copy the whole tree.
type Arena struct {
	versions map[string]map[int]string
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{versions: make(map[string]map[int]string)}
}

// Record stores a file version.
func (a *Arena) Record(path string, iteration int, content string) {
	byIter, ok := a.versions[path]
	if !ok {
		byIter = make(map[int]string)
		a.versions[path] = byIter
	}
	byIter[iteration] = content
}

// Get returns the content for (path, iteration).
func (a *Arena) Get(path string, iteration int) (string, bool) {
	content, ok := a.versions[path][iteration]
	return content, ok
}

// Discard drops all versions older than iteration; superseded snapshots
// do not need to stay resident.
func (a *Arena) Discard(beforeIteration int) {
	for path, byIter := range a.versions {
		for iter := range byIter {
			if iter < beforeIteration {
				delete(byIter, iter)
			}
		}
		if len(byIter) == 0 {
			delete(a.versions, path)
		}
	}
}

// Snapshot is the set of syntactically valid files captured before a
// retry build.
type Snapshot struct {
	Iteration int
	arena     *Arena
	paths     []string
}

// Take captures every currently syntax-valid source file into the arena.
func Take(ctx context.Context, ws *workspace.Workspace, arena *Arena, iteration int) (*Snapshot, error) {
	files, err := ws.SourceFiles()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Iteration: iteration, arena: arena}
	for _, f := range files {
		se, err := ws.CheckSyntax(ctx, f)
		if err != nil {
			return nil, err
		}
		if se != nil {
			continue
		}
		content, err := ws.ReadFile(f)
		if err != nil {
			return nil, err
		}
		arena.Record(f, iteration, content)
		snap.paths = append(snap.paths, f)
	}
	sort.Strings(snap.paths)
	return snap, nil
}

// Paths lists the files the snapshot protects.
func (s *Snapshot) Paths() []string {
	return s.paths
}

// Content returns a protected file's captured content.
func (s *Snapshot) Content(path string) (string, bool) {
	return s.arena.Get(path, s.Iteration)
}

// RestoreRegressed re-checks every protected file and restores any that
// went from valid to invalid during the retry build. Returns the list of
// restored paths. This runs unconditionally after retry builds.
func (s *Snapshot) RestoreRegressed(ctx context.Context, ws *workspace.Workspace) ([]string, error) {
	var restored []string
	for _, path := range s.paths {
		se, err := ws.CheckSyntax(ctx, path)
		if err != nil {
			return restored, err
		}
		if se == nil && ws.Exists(path) {
			continue
		}
		content, ok := s.arena.Get(path, s.Iteration)
		if !ok {
			continue
		}
		if err := ws.WriteFile(path, content); err != nil {
			return restored, err
		}
		log.Warn().Str("file", path).Int("iteration", s.Iteration).Msg("regression detected, restored from snapshot")
		restored = append(restored, path)
	}
	return restored, nil
}
