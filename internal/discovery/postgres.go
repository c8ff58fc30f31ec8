package discovery

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pgstream/internal/parser/postgres"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pterm/pterm"
)

var ErrNoLogDirectory = errors.New("no PostgreSQL log directory found")

// DefaultCandidates are the usual log locations of packaged and containerised servers
var DefaultCandidates = []string{
	"/var/lib/postgresql/**/log/*.log",
	"/var/lib/postgresql/data/log/*.log",
	"/var/lib/pgsql/**/log/*.log",
	"/var/log/postgresql/*.log",
	"/usr/local/var/postgres*/log/*.log",
	"/opt/homebrew/var/postgres*/log/*.log",
	"postgres/log/*.log",
}

// LogDirDetector finds a locally mounted server log directory whose newest
// file uses the log line prefix the reconstructor understands
type LogDirDetector struct {
	logger         *pterm.Logger
	parser         *postgres.Parser
	configuredPath string
	candidates     []string
}

// NewLogDirDetector uses configuredPath when set, otherwise the candidate globs
func NewLogDirDetector(configuredPath string, candidates []string, logger *pterm.Logger) *LogDirDetector {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	return &LogDirDetector{
		logger:         logger,
		parser:         postgres.NewParser(logger),
		configuredPath: configuredPath,
		candidates:     candidates,
	}
}

func (d *LogDirDetector) Name() string {
	return "postgres"
}

type candidateFile struct {
	path string
	info os.FileInfo
}

// Detect returns the directory to tail
func (d *LogDirDetector) Detect() (string, error) {
	if d.configuredPath != "" {
		info, err := os.Stat(d.configuredPath)
		if err == nil && info.IsDir() {
			d.logger.Debug("Using configured LOG_DIR (auto-discovery disabled)", d.logger.Args("path", d.configuredPath))
			return d.configuredPath, nil
		}
		d.logger.Warn("Configured LOG_DIR not accessible, falling back to auto-discovery",
			d.logger.Args("path", d.configuredPath, "error", err))
	}

	var files []candidateFile
	for _, pattern := range d.candidates {
		d.logger.Trace("Checking", d.logger.Args("pattern", pattern))
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			d.logger.Trace("Pattern not usable", d.logger.Args("pattern", pattern, "error", err))
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.Size() == 0 {
				continue
			}
			files = append(files, candidateFile{path: m, info: info})
		}
	}

	// Newest first: the active file of a running server is the best witness of its prefix
	sort.Slice(files, func(i, j int) bool {
		return files[i].info.ModTime().After(files[j].info.ModTime())
	})

	seen := make(map[string]bool)
	for _, f := range files {
		dir := filepath.Dir(f.path)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		if d.hasExpectedPrefix(f.path) {
			d.logger.Info("PostgreSQL log directory detected", d.logger.Args("path", dir, "newest", filepath.Base(f.path)))
			return dir, nil
		}
		d.logger.Debug("Format invalid - log_line_prefix not recognised", d.logger.Args("path", f.path))
	}

	d.logger.Warn("No PostgreSQL log directory found via auto-discovery",
		d.logger.Args("hint", "Set LOG_DIR in .env or use LOG_SOURCE=postgres"))
	return "", ErrNoLogDirectory
}

// hasExpectedPrefix checks the first few non-continuation lines of a file
func (d *LogDirDetector) hasExpectedPrefix(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for checked := 0; checked < 5 && scanner.Scan(); {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || line[0] == '\t' || line[0] == ' ' {
			continue
		}
		if d.parser.CanParse(line) {
			return true
		}
		checked++
	}
	return false
}
