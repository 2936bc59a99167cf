package sigma

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"secops-toolkit/internal/storage"
)

// LibraryStore is the repository surface used by a Syncer.
type LibraryStore interface {
	UpsertSigmaRule(ctx context.Context, r *storage.SigmaRule) (*storage.SigmaRule, error)
	MarkLibrarySynced(ctx context.Context, id int64, at time.Time) error
}

// GitFunc runs git with args in dir.
type GitFunc func(ctx context.Context, dir string, args ...string) error

// ExecGit runs the git binary.
func ExecGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SyncResult summarises one library sync.
type SyncResult struct {
	Dir      string `json:"dir"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
}

// Syncer pulls libraries and imports their rules.
type Syncer struct {
	store  LibraryStore
	config Config
	git    GitFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer creates a Syncer. A nil git uses ExecGit.
func NewSyncer(store LibraryStore, cfg Config, git GitFunc, logger *slog.Logger) *Syncer {
	if git == nil {
		git = ExecGit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, config: cfg, git: git, logger: logger, now: time.Now}
}

// RepoDir returns the checkout directory of a library.
func (s *Syncer) RepoDir(lib *storage.SigmaLibrary) string {
	return filepath.Join(s.config.ReposDir, strings.ReplaceAll(lib.Name, " ", "_"))
}

// localSource returns the directory of a file:// or plain directory source.
func localSource(src string) (string, bool) {
	if strings.HasPrefix(src, "file://") {
		return strings.TrimPrefix(src, "file://"), true
	}
	if fi, err := os.Stat(src); err == nil && fi.IsDir() {
		return src, true
	}
	return "", false
}

// Checkout makes the library's rules available on disk and returns their directory.
func (s *Syncer) Checkout(ctx context.Context, lib *storage.SigmaLibrary) (string, error) {
	if dir, ok := localSource(lib.SourcePath); ok {
		return dir, nil
	}

	if s.config.GitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.GitTimeout)
		defer cancel()
	}

	dir := s.RepoDir(lib)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		s.logger.Info("pulling sigma library", "library", lib.Name, "dir", dir)
		if err := s.git(ctx, dir, "pull"); err != nil {
			return "", err
		}
		return dir, nil
	}

	if err := os.MkdirAll(s.config.ReposDir, 0o755); err != nil {
		return "", fmt.Errorf("create repos dir: %w", err)
	}
	s.logger.Info("cloning sigma library", "library", lib.Name, "source", lib.SourcePath)
	if err := s.git(ctx, s.config.ReposDir, "clone", "--depth", "1", lib.SourcePath, filepath.Base(dir)); err != nil {
		return "", err
	}
	return dir, nil
}

// Sync checks out a library and imports every rule in it.
func (s *Syncer) Sync(ctx context.Context, lib *storage.SigmaLibrary) (*SyncResult, error) {
	dir, err := s.Checkout(ctx, lib)
	if err != nil {
		return nil, fmt.Errorf("checkout %s: %w", lib.Name, err)
	}
	res, err := s.Import(ctx, lib.ID, os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	res.Dir = dir

	if err := s.store.MarkLibrarySynced(ctx, lib.ID, s.now().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info("sigma library synced",
		"library", lib.Name,
		"imported", res.Imported,
		"skipped", res.Skipped,
	)
	return res, nil
}

// Import upserts every .yml rule found in fsys. Files that fail to parse are
// logged and skipped.
func (s *Syncer) Import(ctx context.Context, libraryID int64, fsys fs.FS) (*SyncResult, error) {
	res := &SyncResult{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if path.Ext(p) != ".yml" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		meta, err := ParseMetadata(data)
		if err != nil {
			s.logger.Warn("skipping sigma file", "path", p, "error", err)
			res.Skipped++
			return nil
		}
		if _, err := s.store.UpsertSigmaRule(ctx, meta.StorageRule(libraryID, p, data)); err != nil {
			return fmt.Errorf("store %s: %w", p, err)
		}
		res.Imported++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
