package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchvault/internal/fault"
)

func TestCompress_SingleEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "PathOfExile_3.25.1.2.exe")
	payload := bytes.Repeat([]byte("MZ\x90\x00 not really a PE file "), 4096)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	dst := filepath.Join(dir, "3.25.1.2.zip")
	size, err := Compress(src, dst, "PathOfExile_3.25.1.2.exe")
	require.NoError(t, err)

	fi, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), size)
	assert.Less(t, size, int64(len(payload)), "repetitive input should shrink")
	assert.NoFileExists(t, dst+".part")

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "PathOfExile_3.25.1.2.exe", zr.File[0].Name)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	assert.NoError(t, Check(dst, "PathOfExile_3.25.1.2.exe"))
}

func TestCompress_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := Compress(filepath.Join(dir, "missing.exe"), filepath.Join(dir, "x.zip"), "missing.exe")
	require.Error(t, err)
	assert.Equal(t, fault.KindStorage, fault.KindOf(err))
	assert.NoFileExists(t, filepath.Join(dir, "x.zip"))
}

func TestCheck_RejectsCorruptAndWrongEntry(t *testing.T) {
	dir := t.TempDir()

	junk := filepath.Join(dir, "junk.zip")
	require.NoError(t, os.WriteFile(junk, []byte("PK\x03\x04 truncated"), 0o644))
	assert.Error(t, Check(junk, "a.exe"))

	src := filepath.Join(dir, "a.exe")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	good := filepath.Join(dir, "a.zip")
	_, err := Compress(src, good, "a.exe")
	require.NoError(t, err)
	assert.ErrorIs(t, Check(good, "b.exe"), ErrUnexpectedEntries)
}
