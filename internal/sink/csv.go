package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/sweeplab/internal/fsutil"
	"github.com/banshee-data/sweeplab/internal/security"
)

// CSV writes one file per result into Dir, named
// <name>_<shape>_<run id>.csv. The header row carries the column names; the
// first column is the independent axis.
type CSV struct {
	Dir string
	FS  fsutil.FileSystem
}

// NewCSV returns a CSV sink on the real filesystem.
func NewCSV(dir string) *CSV {
	return &CSV{Dir: dir, FS: fsutil.OSFileSystem{}}
}

// Path returns the file a result is written to.
func (c *CSV) Path(r *Result) string {
	name := security.SanitizeFilename(r.Name, "sweep")
	shape := security.SanitizeFilename(r.Shape, "shape")
	return filepath.Join(c.Dir, fmt.Sprintf("%s_%s_%s.csv", name, shape, r.RunID))
}

func (c *CSV) Write(_ context.Context, r *Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := c.FS.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	path := c.Path(r)
	f, err := c.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	cols := r.Columns()
	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.Name
	}
	w.Write(header)
	row := make([]string, len(cols))
	for i := 0; i < r.Len(); i++ {
		for j, col := range cols {
			row[j] = strconv.FormatFloat(col.Values[i], 'g', -1, 64)
		}
		w.Write(row)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
