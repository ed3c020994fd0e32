package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/afero"
)

// RangeFileName names the export file covering [from, to]. The name is a pure
// function of the range, so re-exporting a range replaces its file.
func RangeFileName(prefix string, from, to uint64, ext string) string {
	return fmt.Sprintf("%s-%020d-%020d%s", prefix, from, to, ext)
}

// ParseRangeFileName extracts the range from a name built by RangeFileName.
func ParseRangeFileName(prefix, name string) (from, to uint64, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+"-")
	if !found {
		return 0, 0, false
	}
	fromStr, rest, found := strings.Cut(rest, "-")
	if !found || len(rest) < 20 {
		return 0, 0, false
	}
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	to, err = strconv.ParseUint(rest[:20], 10, 64)
	if err != nil || to < from {
		return 0, 0, false
	}
	return from, to, true
}

// HighestExportedID scans dir for range files and returns the largest "to".
// A missing directory yields 0.
func HighestExportedID(fsys afero.Fs, dir, prefix string) (uint64, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, ClassifyFileError(err)
	}
	var high uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, to, ok := ParseRangeFileName(prefix, e.Name()); ok && to > high {
			high = to
		}
	}
	return high, nil
}

// WriteFileAtomic writes dir/name through a temporary file that is synced and
// renamed into place, so readers never observe a partial file.
func WriteFileAtomic(fsys afero.Fs, dir, name string, write func(w io.Writer) error) (string, error) {
	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return "", ClassifyFileError(fmt.Errorf("create export dir: %w", err))
	}

	tmp, err := afero.TempFile(fsys, dir, "."+name+".tmp-*")
	if err != nil {
		return "", ClassifyFileError(fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = fsys.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := write(bw); err != nil {
		return "", ClassifyFileError(fmt.Errorf("write export: %w", err))
	}
	if err := bw.Flush(); err != nil {
		return "", ClassifyFileError(fmt.Errorf("write export: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return "", ClassifyFileError(fmt.Errorf("sync export: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", ClassifyFileError(fmt.Errorf("close export: %w", err))
	}

	final := filepath.Join(dir, name)
	if err := fsys.Rename(tmpName, final); err != nil {
		_ = fsys.Remove(tmpName)
		committed = true
		return "", ClassifyFileError(fmt.Errorf("rename export: %w", err))
	}
	committed = true
	return final, nil
}

// ClassifyFileError marks permission and read-only filesystem errors fatal and
// everything else (disk full, I/O errors) transient.
func ClassifyFileError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS) {
		return Fatal(err)
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.ENOTDIR) {
		return Fatal(err)
	}
	return Transient(err)
}
