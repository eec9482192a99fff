// Package content owns the dataset snapshot: loading the text file into trimmed lines
// and serving either a startup-cached snapshot or a fresh one per query.
package content

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// Load reads path and returns its lines, trimmed of surrounding whitespace, in file order.
// An empty file yields an empty snapshot. Failures are *domain.DatasetError values
// classified as not-found, permission, is-a-directory or generic I/O.
func Load(path string) (domain.Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.Snapshot{}, classify(path, err)
	}
	if info.IsDir() {
		return domain.Snapshot{}, domain.NewDatasetError(path, domain.ErrDatasetIsDirectory, nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return domain.Snapshot{}, classify(path, err)
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return domain.Snapshot{}, classify(path, err)
	}
	return domain.NewSnapshot(lines), nil
}

// readLines splits r on '\n' without a line length limit. A final line without a
// trailing newline is kept; a trailing newline does not produce an extra empty line.
func readLines(r io.Reader) ([]string, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	lines := make([]string, 0, 1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, strings.TrimSpace(line))
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return domain.NewDatasetError(path, domain.ErrDatasetNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return domain.NewDatasetError(path, domain.ErrDatasetPermission, err)
	case errors.Is(err, syscall.EISDIR):
		return domain.NewDatasetError(path, domain.ErrDatasetIsDirectory, err)
	default:
		return domain.NewDatasetError(path, domain.ErrDatasetIO, err)
	}
}
