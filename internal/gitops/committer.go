// internal/gitops/committer.go

// Package gitops commits applied fixes so a repair run leaves an auditable
// trail in the project history.
package gitops

import (
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phpmend/internal/config"
)

// Committer stages and commits files inside the analyzed project.
type Committer struct {
	logger      *zap.Logger
	projectPath string
	author      config.GitConfig
}

// NewCommitter prepares a committer for the given project. The repository is
// opened lazily on each commit so a run against a non-repo only fails when
// committing is actually requested.
func NewCommitter(logger *zap.Logger, projectPath string, author config.GitConfig) *Committer {
	return &Committer{
		logger:      logger.Named("gitops"),
		projectPath: projectPath,
		author:      author,
	}
}

// CommitFixes stages the given paths (relative to the project root) and
// commits them. It returns the commit hash, or an empty string when the
// worktree had no staged changes to commit.
func (c *Committer) CommitFixes(files []string, message string) (string, error) {
	repo, err := git.PlainOpenWithOptions(c.projectPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository at %s: %w", c.projectPath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("resolve worktree: %w", err)
	}

	staged := 0
	for _, f := range files {
		if _, err := wt.Add(f); err != nil {
			c.logger.Warn("Could not stage file, skipping.", zap.String("file", f), zap.Error(err))
			continue
		}
		staged++
	}
	if staged == 0 {
		return "", fmt.Errorf("none of the %d changed files could be staged", len(files))
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		c.logger.Info("Worktree is clean, nothing to commit.")
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.author.AuthorName,
			Email: c.author.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit fixes: %w", err)
	}

	c.logger.Info("Committed applied fixes.",
		zap.String("hash", hash.String()),
		zap.Int("files", staged))
	return hash.String(), nil
}
