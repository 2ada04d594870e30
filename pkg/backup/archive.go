package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/klauspost/compress/zstd"
)

// ArchiveExtension is appended to backup ids to name archive files.
const ArchiveExtension = ".tar.zst"

var (
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	ErrUnsafeArchive    = errors.New("archive entry escapes the restore target")
)

// epoch is the modification time stamped on every archive entry. Archives of the
// same content are byte-identical regardless of when or where they were written.
var epoch = time.Unix(0, 0).UTC()

// writeArchive streams snapshot as a zstd-compressed tar into w.
func writeArchive(ctx context.Context, w io.Writer, snapshot *repository.Snapshot) error {
	encoder, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	tw := tar.NewWriter(encoder)

	for _, entry := range snapshot.Entries {
		if ctx.Err() != nil {
			_ = encoder.Close()

			return ctx.Err()
		}

		err := writeEntry(tw, snapshot, entry)
		if err != nil {
			_ = encoder.Close()

			return fmt.Errorf("failed to archive %s: %w", entry.Path, err)
		}
	}

	err = tw.Close()
	if err != nil {
		_ = encoder.Close()

		return fmt.Errorf("failed to finish tar stream: %w", err)
	}

	return encoder.Close()
}

func writeEntry(tw *tar.Writer, snapshot *repository.Snapshot, entry repository.Entry) error {
	header := &tar.Header{
		Name:    entry.Path,
		Mode:    int64(entry.Mode.Perm()),
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}

	switch {
	case entry.IsDir():
		header.Typeflag = tar.TypeDir
		header.Name += "/"
	case entry.IsSymlink():
		header.Typeflag = tar.TypeSymlink
		header.Linkname = entry.LinkTarget
	default:
		header.Typeflag = tar.TypeReg
		header.Size = entry.Size
	}

	err := tw.WriteHeader(header)
	if err != nil {
		return err
	}

	if header.Typeflag != tar.TypeReg {
		return nil
	}

	file, err := snapshot.Open(entry)
	if err != nil {
		return err
	}
	defer file.Close()

	// A file that changed size since the walk would corrupt the stream.
	written, err := io.Copy(tw, io.LimitReader(file, entry.Size))
	if err != nil {
		return err
	}

	if written != entry.Size {
		return fmt.Errorf("file shrank from %d to %d bytes while archiving", entry.Size, written)
	}

	return nil
}

// checksumFile returns the hex sha256 of the file at path.
func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// extractArchive unpacks a zstd-compressed tar into dest, which must exist.
// File and directory writes go through an os.Root so no entry can land outside dest.
func extractArchive(ctx context.Context, r io.Reader, dest string) error {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	dirModes := make(map[string]fs.FileMode)
	tr := tar.NewReader(decoder)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %q", ErrUnsafeArchive, header.Name)
		}

		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return err
		}

		mode := fs.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			err = mkdirAll(root, name)
			dirModes[name] = mode
		case tar.TypeReg:
			err = extractFile(root, name, mode, tr)
		case tar.TypeSymlink:
			err = extractSymlink(root, dest, name, header.Linkname)
		default:
			err = fmt.Errorf("unsupported entry type %q", header.Typeflag)
		}

		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
	}

	// Deepest first so read-only parents do not block their children.
	dirs := make([]string, 0, len(dirModes))
	for dir := range dirModes {
		dirs = append(dirs, dir)
	}

	slices.SortFunc(dirs, func(a, b string) int { return strings.Compare(b, a) })

	for _, dir := range dirs {
		err := chmod(root, dir, dirModes[dir])
		if err != nil {
			return err
		}
	}

	return nil
}

func entryName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimSuffix(name, "/"))
	local := filepath.FromSlash(cleaned)

	if cleaned == "." || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeArchive, name)
	}

	return local, nil
}

func mkdirAll(root *os.Root, name string) error {
	current := ""

	for part := range strings.SplitSeq(name, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		err := root.Mkdir(current, 0o700)
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}

	return nil
}

func extractFile(root *os.Root, name string, mode fs.FileMode, content io.Reader) error {
	if dir := filepath.Dir(name); dir != "." {
		err := mkdirAll(root, dir)
		if err != nil {
			return err
		}
	}

	file, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	_, err = io.Copy(file, content)
	if err != nil {
		_ = file.Close()

		return err
	}

	err = file.Chmod(mode)
	if err != nil {
		_ = file.Close()

		return err
	}

	return file.Close()
}

func extractSymlink(root *os.Root, dest, name, target string) error {
	if dir := filepath.Dir(name); dir != "." {
		err := mkdirAll(root, dir)
		if err != nil {
			return err
		}

		// A symlinked parent could point the new link outside dest.
		info, err := root.Lstat(dir)
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return fmt.Errorf("%w: parent of %q is not a directory", ErrUnsafeArchive, name)
		}
	}

	return os.Symlink(target, filepath.Join(dest, name))
}

func chmod(root *os.Root, name string, mode fs.FileMode) error {
	dir, err := root.Open(name)
	if err != nil {
		return err
	}
	defer dir.Close()

	return dir.Chmod(mode)
}
