package workspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Workspace is where a run happens: the project root the pipeline programs
// run in and share data files through, and the directory holding per-run
// execution logs.
type Workspace struct {
	Root    string
	LogsDir string
}

func Open(root, logsDir string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("project root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", absRoot)
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	return &Workspace{Root: absRoot, LogsDir: logsDir}, nil
}

func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.LogsDir, runID)
}

// LogPath returns the log file of one execution, e.g. logs/<run>/03-index-data.log.
func (w *Workspace) LogPath(runID string, stage int, pipeline string) (string, error) {
	dir := w.RunDir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run log directory: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("%02d-%s.log", stage, slug(pipeline))), nil
}

// Tail returns the last n lines of a log file.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

// PruneLogs removes run log directories last modified before cutoff.
func (w *Workspace) PruneLogs(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(w.LogsDir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.LogsDir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "pipeline"
	}
	return s
}
