// Package history keeps a git repository per canvas and commits every saved
// snapshot to it.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/store"
)

const snapshotFile = "canvas.json"

var mainBranch = plumbing.NewBranchReferenceName("main")

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records snap as the newest version of the canvas. The viewport is
// not versioned. When the graph is unchanged since the last version nothing
// is committed and created is false.
func (s *Service) Commit(canvasID string, snap canvas.StoredSnapshot, author, message string) (version store.Version, created bool, err error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(canvasID)
	if err != nil {
		return store.Version{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.Version{}, false, fmt.Errorf("open worktree: %w", err)
	}

	snap.Viewport = nil
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return store.Version{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return store.Version{}, false, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.Version{}, false, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@canvas.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return store.Version{}, false, nil
	}
	if err != nil {
		return store.Version{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.Version{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), true, nil
}

// History lists versions newest first. A canvas that was never saved has no
// history.
func (s *Service) History(canvasID string, limit int) ([]store.Version, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]store.Version, 0, max(limit, 0))
	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Get returns the snapshot stored at hash, which may be abbreviated.
// Unknown canvases and hashes are store.ErrNotFound.
func (s *Service) Get(canvasID, hash string) (canvas.StoredSnapshot, store.Version, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return canvas.StoredSnapshot{}, store.Version{}, store.ErrNotFound
	}
	if err != nil {
		return canvas.StoredSnapshot{}, store.Version{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return canvas.StoredSnapshot{}, store.Version{}, store.ErrNotFound
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return canvas.StoredSnapshot{}, store.Version{}, store.ErrNotFound
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return canvas.StoredSnapshot{}, store.Version{}, err
	}
	return snap, toVersion(commitObj), nil
}

func (s *Service) openOrInit(canvasID string) (*git.Repository, error) {
	path := s.repoPath(canvasID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: mainBranch},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(canvasID string) string {
	return filepath.Join(s.baseDir, canvasID)
}

func (s *Service) canvasLock(canvasID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[canvasID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[canvasID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (canvas.StoredSnapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return canvas.StoredSnapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return canvas.StoredSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap canvas.StoredSnapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return canvas.StoredSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toVersion(commitObj *object.Commit) store.Version {
	return store.Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
