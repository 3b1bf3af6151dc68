package token

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const maxEnvBackups = 5

var envKeyPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=`)

// UpdateTokens rewrites ACCESS_TOKEN and REFRESH_TOKEN in the key=value file
// at path, preserving every other line (comments, blanks, unrelated keys)
// byte for byte. Keys absent from the file are appended. A timestamped
// backup of the previous contents is kept, rotating out all but the newest
// maxEnvBackups copies.
func UpdateTokens(path, access, refresh string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credential store: %w", err)
	}

	backupEnvFile(path, content)

	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	accessFound, refreshFound := false, false
	for i, line := range lines {
		m := envKeyPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		switch m[1] {
		case "ACCESS_TOKEN":
			lines[i] = "ACCESS_TOKEN=" + access
			accessFound = true
		case "REFRESH_TOKEN":
			lines[i] = "REFRESH_TOKEN=" + refresh
			refreshFound = true
		}
	}
	if !accessFound {
		lines = append(lines, "ACCESS_TOKEN="+access)
	}
	if !refreshFound {
		lines = append(lines, "REFRESH_TOKEN="+refresh)
	}

	// Write-then-rename so a crash mid-write can never leave a truncated
	// live file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace credential store: %w", err)
	}
	return nil
}

// backupEnvFile snapshots the current contents and prunes old snapshots.
// Backup problems are not fatal to the refresh itself.
func backupEnvFile(path string, content []byte) {
	backup := fmt.Sprintf("%s.backup.%d", path, time.Now().UnixMilli())
	if err := os.WriteFile(backup, content, 0o600); err != nil {
		slog.Warn("could not create credential store backup", slog.Any("err", err))
		return
	}

	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + ".backup."
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("could not list credential store backups", slog.Any("err", err))
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= maxEnvBackups {
		return
	}
	// Timestamped suffixes sort newest-last lexicographically (equal widths
	// in practice); keep the newest maxEnvBackups.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-maxEnvBackups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			slog.Warn("could not prune credential store backup", slog.String("file", name), slog.Any("err", err))
		}
	}
}
