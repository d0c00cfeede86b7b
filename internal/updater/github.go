package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
)

type githubSource struct {
	updater *selfupdate.Updater
	repo    selfupdate.Repository
}

// NewGitHubSource finds workerctl builds among the release assets of repo,
// given as "owner/name".
func NewGitHubSource(repo string, prerelease bool) (Source, error) {
	if repo == "" {
		return nil, errors.New("repository is required")
	}
	gh, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("github source: %w", err)
	}
	up, err := selfupdate.NewUpdater(selfupdate.Config{
		Source:     gh,
		Prerelease: prerelease,
	})
	if err != nil {
		return nil, fmt.Errorf("create updater: %w", err)
	}
	return &githubSource{updater: up, repo: selfupdate.ParseSlug(repo)}, nil
}

// Latest returns nil when the repository has no matching release.
func (g *githubSource) Latest(ctx context.Context, current string) (*Release, error) {
	rel, found, err := g.updater.DetectLatest(ctx, g.repo)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &Release{
		Version:     rel.Version(),
		Notes:       rel.ReleaseNotes,
		URL:         rel.URL,
		PublishedAt: rel.PublishedAt,
		Size:        rel.AssetByteSize,
		// Unversioned builds always take a release.
		Newer:  current == "dev" || rel.GreaterThan(current),
		handle: rel,
	}, nil
}

func (g *githubSource) Install(ctx context.Context, rel *Release, exe string) error {
	asset, ok := rel.handle.(*selfupdate.Release)
	if !ok {
		return fmt.Errorf("release %s was not found by this source", rel.Version)
	}
	return g.updater.UpdateTo(ctx, asset, exe)
}

// executablePath resolves the running binary the way the installer does.
func executablePath() (string, error) {
	return selfupdate.ExecutablePath()
}
