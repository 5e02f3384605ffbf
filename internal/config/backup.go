package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MaxBackups is the maximum number of config backups kept per file.
	MaxBackups = 3

	// BackupSuffix is the file extension for backup files.
	BackupSuffix = ".bak"
)

// Backup creates a timestamped copy of configPath alongside it, then
// trims backups beyond MaxBackups. Returns the backup path, or "" if
// configPath doesn't exist yet.
func Backup(configPath string) (string, error) {
	if !fileExists(configPath) {
		return "", nil
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := fmt.Sprintf("%s%s.%s", configPath, BackupSuffix, timestamp)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("config: read for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("config: write backup: %w", err)
	}

	if err := cleanupOldBackups(configPath); err != nil {
		// Best-effort: the backup itself already succeeded.
		_ = err
	}
	return backupPath, nil
}

// ListBackups returns every backup of configPath, newest first.
func ListBackups(configPath string) ([]string, error) {
	configDir := filepath.Dir(configPath)
	configBase := filepath.Base(configPath)

	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: list backup directory: %w", err)
	}

	prefix := configBase + BackupSuffix + "."
	var backups []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(configDir, entry.Name()))
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		infoI, errI := os.Stat(backups[i])
		infoJ, errJ := os.Stat(backups[j])
		if errI != nil || errJ != nil {
			return false
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})
	return backups, nil
}

func cleanupOldBackups(configPath string) error {
	backups, err := ListBackups(configPath)
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackups {
		return nil
	}
	for _, backup := range backups[MaxBackups:] {
		_ = os.Remove(backup)
	}
	return nil
}

// Restore overwrites configPath with the contents of backupPath, first
// backing up whatever is currently at configPath.
func Restore(configPath, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("config: backup not found: %w", err)
	}

	// Read the backup before taking a fresh one: a backup made in the same
	// second gets the same name and would overwrite backupPath.
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("config: read backup: %w", err)
	}

	if fileExists(configPath) {
		if _, err := Backup(configPath); err != nil {
			return fmt.Errorf("config: backup current config before restore: %w", err)
		}
	}

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("config: write restored config: %w", err)
	}
	return nil
}
