package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func craftArchive(t *testing.T, headers ...*tar.Header) *bytes.Buffer {
	t.Helper()

	buf := &bytes.Buffer{}

	encoder, err := zstd.NewWriter(buf)
	require.NoError(t, err)

	tw := tar.NewWriter(encoder)

	for _, header := range headers {
		require.NoError(t, tw.WriteHeader(header))

		if header.Typeflag == tar.TypeReg {
			_, err := tw.Write(bytes.Repeat([]byte("x"), int(header.Size)))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, encoder.Close())

	return buf
}

func TestExtractArchive_RejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name   string
		header *tar.Header
	}{
		{"parent traversal", &tar.Header{Name: "../escape.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"nested traversal", &tar.Header{Name: "a/../../escape.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"absolute path", &tar.Header{Name: "/etc/escape.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"root entry", &tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()

			err := extractArchive(context.Background(), craftArchive(t, tt.header), dest)
			require.ErrorIs(t, err, ErrUnsafeArchive)
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
		})
	}
}

func TestExtractArchive_WritesThroughSymlinkStayInside(t *testing.T) {
	outside := t.TempDir()
	dest := t.TempDir()

	archive := craftArchive(t,
		&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: outside, Mode: 0o777},
		&tar.Header{Name: "link/planted.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3},
	)

	err := extractArchive(context.Background(), archive, dest)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(outside, "planted.txt"))
}

func TestExtractArchive_RejectsUnsupportedTypes(t *testing.T) {
	archive := craftArchive(t, &tar.Header{Name: "fifo", Typeflag: tar.TypeFifo, Mode: 0o644})

	err := extractArchive(context.Background(), archive, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported entry type")
}

func TestExtractArchive_RestoresReadOnlyDirectories(t *testing.T) {
	dest := t.TempDir()

	archive := craftArchive(t,
		&tar.Header{Name: "locked/", Typeflag: tar.TypeDir, Mode: 0o555},
		&tar.Header{Name: "locked/file.txt", Typeflag: tar.TypeReg, Mode: 0o444, Size: 4},
	)

	require.NoError(t, extractArchive(context.Background(), archive, dest))

	t.Cleanup(func() { _ = os.Chmod(filepath.Join(dest, "locked"), 0o755) })

	info, err := os.Stat(filepath.Join(dest, "locked"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), info.Mode().Perm())

	content, err := os.ReadFile(filepath.Join(dest, "locked", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "xxxx", string(content))
}
