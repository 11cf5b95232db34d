package wal

import (
	"os"
	"testing"
)

// truncateFileForTest shortens path by cutting off its last n bytes,
// simulating a crash mid-write to the tail of the WAL.
func truncateFileForTest(t *testing.T, path string, n int64) error {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Truncate(path, info.Size()-n)
}
