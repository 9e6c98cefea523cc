package cardfeed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// SyncRepo clones the repository at repoURL into dir, or pulls the latest
// changes when dir already holds a clone.
func SyncRepo(ctx context.Context, repoURL, dir string, log *zap.Logger) error {
	_, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("cloning card repository", zap.String("url", repoURL), zap.String("dir", dir))
		if _, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: repoURL}); err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", repoURL, err)
		}
	case err == nil:
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return fmt.Errorf("failed to open existing repo at %s: %w", dir, err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree for repo at %s: %w", dir, err)
		}
		err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			log.Debug("card repository up to date", zap.String("dir", dir))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to pull changes for repo at %s: %w", dir, err)
		}
		log.Info("pulled card repository", zap.String("url", repoURL), zap.String("dir", dir))
	default:
		return fmt.Errorf("error checking path %s: %w", dir, err)
	}
	return nil
}

// IsGitURL reports whether a source path names a remote repository rather
// than a local directory.
func IsGitURL(path string) bool {
	if u, err := url.Parse(path); err == nil {
		switch u.Scheme {
		case "http", "https", "ssh", "git":
			return true
		}
	}
	return isSCPLike(path)
}

// isSCPLike matches the user@host:path form.
func isSCPLike(path string) bool {
	at := strings.Index(path, "@")
	colon := strings.Index(path, ":")
	return at > 0 && colon > at+1 && !strings.Contains(path[:colon], "/")
}

// repoDir maps a repository URL to its clone location under baseDir.
func repoDir(baseDir, repoURL string) (string, error) {
	if u, err := url.Parse(repoURL); err == nil && u.Scheme != "" && u.Host != "" {
		p := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
		if p == "" {
			return "", fmt.Errorf("git URL without repository path: %s", repoURL)
		}
		return filepath.Join(baseDir, u.Hostname(), filepath.FromSlash(p)), nil
	}
	if isSCPLike(repoURL) {
		hostPart, p, _ := strings.Cut(repoURL, ":")
		_, host, _ := strings.Cut(hostPart, "@")
		p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
		if p == "" {
			return "", fmt.Errorf("git URL without repository path: %s", repoURL)
		}
		return filepath.Join(baseDir, host, filepath.FromSlash(p)), nil
	}
	return "", fmt.Errorf("could not parse git URL: %s", repoURL)
}
