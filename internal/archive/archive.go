// Package archive wraps a downloaded client binary into a single-entry zip.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"patchvault/internal/fault"
)

var ErrUnexpectedEntries = errors.New("archive does not hold exactly the expected entry")

// Compress writes src into dst as one deflate entry named entryName at the
// highest compression level and returns the archive size. The zip is built
// at dst+".part" and renamed into place, so dst either holds a complete
// archive or does not exist.
func Compress(src, dst, entryName string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fault.Storage("compress", err)
	}
	defer func() { _ = in.Close() }()

	fi, err := in.Stat()
	if err != nil {
		return 0, fault.Storage("compress", err)
	}

	part := dst + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fault.Storage("compress", err)
	}
	size, err := writeZip(out, in, fi, entryName)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, fault.Storage("compress", err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return 0, fault.Storage("compress", err)
	}
	return size, nil
}

func writeZip(out *os.File, in io.Reader, fi os.FileInfo, entryName string) (int64, error) {
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return 0, err
	}
	hdr.Name = entryName
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(w, in); err != nil {
		return 0, fmt.Errorf("write entry %s: %w", entryName, err)
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	if err := out.Sync(); err != nil {
		return 0, err
	}
	st, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Check opens the archive at path and reads entryName to the end, which
// verifies its CRC. It is used on archives left behind by an interrupted run.
func Check(path, entryName string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	if len(zr.File) != 1 || zr.File[0].Name != entryName {
		return fmt.Errorf("%w: want %q", ErrUnexpectedEntries, entryName)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entryName, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read entry %s: %w", entryName, err)
	}
	return nil
}
