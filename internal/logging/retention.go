package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RunLogPattern matches the per-run daemon log files in the log directory.
const RunLogPattern = "fprintd-*.log"

// RunLogName returns the file name of the daemon log for runID.
func RunLogName(runID string) string {
	return "fprintd-" + runID + ".log"
}

// PruneRunLogs removes run logs in dir last modified more than retentionDays
// ago and returns how many were removed. keep is never removed, and a
// retentionDays of 0 disables pruning. Symlinks such as the fprintd.log
// pointer do not match the pattern.
func PruneRunLogs(logger *slog.Logger, dir string, retentionDays int, keep string) int {
	if retentionDays <= 0 || dir == "" {
		return 0
	}
	matches, err := filepath.Glob(filepath.Join(dir, RunLogPattern))
	if err != nil {
		return 0
	}
	keepAbs, _ := filepath.Abs(keep)
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, path := range matches {
		if abs, err := filepath.Abs(path); err == nil && abs == keepAbs {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "old run log could not be removed", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check ownership of the log directory"),
				String(FieldImpact, "the old log stays on disk"),
			)
			continue
		}
		removed++
	}
	if removed > 0 && logger != nil {
		logger.Info("old run logs pruned",
			Int("removed", removed),
			Int("retention_days", retentionDays),
			String(FieldEventType, "logs_pruned"),
		)
	}
	return removed
}
