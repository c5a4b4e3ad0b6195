package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dayLayout       = "2006-01-02"
	dirYearLayout   = "2006"
	dirDayLayout    = "01-02"
	fileTimeLayout  = "150405"
	fileDateLayout  = "20060102_150405"
	chunkExtension  = ".wav"
	maxNameAttempts = 100
)

// DayKey returns the calendar day of t in loc as YYYY-MM-DD. Keys of the
// same location sort chronologically as strings.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// DayDir returns the directory holding chunks started at t:
// root/YYYY/MM-DD.
func DayDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format(dirYearLayout), t.Format(dirDayLayout))
}

// FileName returns the chunk file name for a chunk started at t
func FileName(prefix string, t time.Time, withDate bool) string {
	layout := fileTimeLayout
	if withDate {
		layout = fileDateLayout
	}
	return prefix + "_" + t.Format(layout) + chunkExtension
}

// RelativeDir returns YYYY/MM-DD for t, slash separated, for remote layouts
func RelativeDir(t time.Time) string {
	return t.Format(dirYearLayout) + "/" + t.Format(dirDayLayout)
}

// CountChunks returns the number of prefix_*.wav files in dir. A missing
// directory counts as zero.
func CountChunks(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"_") && strings.EqualFold(filepath.Ext(name), chunkExtension) {
			n++
		}
	}
	return n, nil
}

// createChunkFile creates a new file for dir/name. If the name is taken,
// a numeric suffix is added before the extension.
func createChunkFile(dir, name string) (*os.File, string, error) {
	base := strings.TrimSuffix(name, chunkExtension)
	for i := range maxNameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, chunkExtension)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // archive files are world readable
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, path, err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
