package updater

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	backupFilename     = "hwdecode.backup"
	backupInfoFilename = "backup.json"
)

// BackupInfo describes the binary saved before the last update.
type BackupInfo struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	ExecPath  string    `json:"exec_path"`
}

// backups keeps one copy of the previous binary in dir.
type backups struct {
	dir string
}

// defaultBackupDir is ~/.cache/hwdecode/backup.
func defaultBackupDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "hwdecode", "backup"), nil
}

// info returns the saved backup, or nil when there is none.
func (b *backups) info() (*BackupInfo, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, backupInfoFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info BackupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse backup info: %w", err)
	}
	if _, err := os.Stat(filepath.Join(b.dir, backupFilename)); err != nil {
		return nil, nil
	}
	return &info, nil
}

// save copies execPath into the backup directory.
func (b *backups) save(execPath, version string) (*BackupInfo, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := copyFile(filepath.Join(b.dir, backupFilename), execPath); err != nil {
		return nil, err
	}

	info := &BackupInfo{Version: version, CreatedAt: time.Now(), ExecPath: execPath}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(b.dir, backupInfoFilename), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write backup info: %w", err)
	}
	return info, nil
}

// restore writes the saved binary back over its original path.
func (b *backups) restore() (*BackupInfo, error) {
	info, err := b.info()
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, newError(ErrCodeNoBackup, "no backup available", nil)
	}
	if err := copyFile(info.ExecPath, filepath.Join(b.dir, backupFilename)); err != nil {
		return nil, err
	}
	return info, nil
}

func copyFile(dstPath, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dstPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy %s: %w", srcPath, err)
	}
	return dst.Close()
}
