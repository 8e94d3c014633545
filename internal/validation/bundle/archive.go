package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// archiveEpoch pins entry timestamps so equal trees produce equal archives.
var archiveEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Archive writes the listed entries of fsys to w as a zip definition archive
// in path order. Only entries that passed validation should be archived.
func Archive(ctx context.Context, fsys fs.FS, entries []domain.BundleEntry, w io.Writer) error {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.RelativePath)
	}
	sort.Strings(paths)

	zw := zip.NewWriter(w)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, fsys, p); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, fsys fs.FS, p string) error {
	src, err := fsys.Open(p)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer src.Close()

	header := &zip.FileHeader{Name: p, Method: zip.Deflate, Modified: archiveEpoch}
	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("archive %s: %w", p, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("archive %s: %w", p, err)
	}
	return nil
}
