// Package updater replaces the running hwdecode binary with the latest
// GitHub release and keeps one backup for rollback.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creativeprojects/go-selfupdate"

	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/version"
)

// DefaultRepository is the release source.
const DefaultRepository = "smazurov/hwdecode"

// Options configures an Updater.
type Options struct {
	Repository string // GitHub slug, e.g. "smazurov/hwdecode"
	Prerelease bool
	// BackupDir defaults to ~/.cache/hwdecode/backup.
	BackupDir string
}

// Info describes the newest release relative to the running binary.
type Info struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	PublishedAt     time.Time `json:"published_at,omitzero"`
	AssetSize       int       `json:"asset_size,omitempty"`
}

// releaser is the part of selfupdate.Updater used here.
type releaser interface {
	DetectLatest(ctx context.Context, repo selfupdate.Repository) (*selfupdate.Release, bool, error)
	UpdateTo(ctx context.Context, rel *selfupdate.Release, cmdPath string) error
}

// Updater checks for and applies releases.
type Updater struct {
	repo     selfupdate.Repository
	releases releaser
	backups  *backups
	current  string
	execPath func() (string, error)
	logger   *slog.Logger
}

// New creates an updater reading releases from GitHub.
func New(opts Options) (*Updater, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	up, err := selfupdate.NewUpdater(selfupdate.Config{
		Source:     source,
		Prerelease: opts.Prerelease,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return newUpdater(opts, up)
}

func newUpdater(opts Options, r releaser) (*Updater, error) {
	if opts.Repository == "" {
		opts.Repository = DefaultRepository
	}
	dir := opts.BackupDir
	if dir == "" {
		var err error
		if dir, err = defaultBackupDir(); err != nil {
			return nil, err
		}
	}
	return &Updater{
		repo:     selfupdate.ParseSlug(opts.Repository),
		releases: r,
		backups:  &backups{dir: dir},
		current:  version.Version,
		execPath: selfupdate.ExecutablePath,
		logger:   logging.GetLogger("updater"),
	}, nil
}

// Check looks up the latest release. A dev build is always outdated.
func (u *Updater) Check(ctx context.Context) (Info, error) {
	info, _, err := u.check(ctx)
	return info, err
}

func (u *Updater) check(ctx context.Context) (Info, *selfupdate.Release, error) {
	info := Info{CurrentVersion: u.current}

	rel, found, err := u.releases.DetectLatest(ctx, u.repo)
	if err != nil {
		return info, nil, newError(ErrCodeCheckFailed, "failed to check for updates", err)
	}
	if !found || rel == nil {
		return info, nil, newError(ErrCodeNotFound, "repository not found or has no releases", nil)
	}

	info.LatestVersion = rel.Version()
	info.UpdateAvailable = u.current == "dev" || rel.GreaterThan(u.current)
	if info.UpdateAvailable {
		info.ReleaseURL = rel.URL
		info.ReleaseNotes = rel.ReleaseNotes
		info.PublishedAt = rel.PublishedAt
		info.AssetSize = rel.AssetByteSize
	}
	return info, rel, nil
}

// Apply installs the latest release over the running binary. The old
// binary is backed up first and restored if the install fails.
func (u *Updater) Apply(ctx context.Context) (Info, error) {
	info, rel, err := u.check(ctx)
	if err != nil {
		return info, err
	}
	if !info.UpdateAvailable {
		return info, newError(ErrCodeNoUpdate, "already at "+info.LatestVersion, nil)
	}

	exe, err := u.execPath()
	if err != nil {
		return info, newError(ErrCodeApplyFailed, "failed to get executable path", err)
	}
	if _, err := u.backups.save(exe, u.current); err != nil {
		return info, newError(ErrCodeBackupFailed, "failed to create backup", err)
	}

	u.logger.Info("Applying update", "from", u.current, "to", info.LatestVersion)
	if err := u.releases.UpdateTo(ctx, rel, exe); err != nil {
		if _, rerr := u.backups.restore(); rerr != nil {
			u.logger.Error("Rollback after failed update failed", "error", rerr)
		}
		return info, newError(ErrCodeApplyFailed, "failed to apply update", err)
	}
	u.logger.Info("Update applied, restart to use it", "version", info.LatestVersion)
	return info, nil
}

// Rollback restores the binary saved by the last Apply.
func (u *Updater) Rollback() (*BackupInfo, error) {
	info, err := u.backups.restore()
	if err != nil {
		if HasCode(err, ErrCodeNoBackup) {
			return nil, err
		}
		return nil, newError(ErrCodeRollbackFailed, "failed to restore backup", err)
	}
	u.logger.Info("Rollback completed", "version", info.Version)
	return info, nil
}

// Backup returns the saved backup, or nil.
func (u *Updater) Backup() (*BackupInfo, error) {
	return u.backups.info()
}
