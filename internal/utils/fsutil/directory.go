package fsutil

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

// DirExists checks if a directory exists on fs
func DirExists(fs afero.Fs, path string) bool {
	ok, err := afero.DirExists(fs, path)
	return err == nil && ok
}

// CreateDirIfNotExists creates a directory on the host filesystem with
// standard permissions if it doesn't exist
func CreateDirIfNotExists(path string) error {
	return EnsureDir(afero.NewOsFs(), path, 0o755)
}

// EnsureDir creates path and its parents on fs. An existing directory is
// left untouched.
func EnsureDir(fs afero.Fs, path string, perm os.FileMode) error {
	if DirExists(fs, path) {
		return nil
	}
	if err := fs.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("%w: create directory %s: %v", errors.ErrOutputWrite, path, err)
	}
	return nil
}

// IsDirEmpty reports whether the directory at path has no entries.
func IsDirEmpty(fs afero.Fs, path string) (bool, error) {
	return afero.IsEmpty(fs, path)
}

// RemoveIfEmpty deletes the directory at path when it has no entries.
func RemoveIfEmpty(fs afero.Fs, path string) error {
	empty, err := IsDirEmpty(fs, path)
	if err != nil || !empty {
		return err
	}
	return fs.Remove(path)
}

// SafeJoin joins the slash separated relative path rel onto root and
// rejects results that leave root.
func SafeJoin(root, rel string) (string, error) {
	if rel == "" {
		return root, nil
	}
	clean := path.Clean("/" + rel)
	if clean != "/"+strings.TrimSuffix(rel, "/") || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("%w: %q", errors.ErrUnsafeOutputPath, rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean[1:])), nil
}

// CopyFile copies the regular file src to dst on fs with the given mode.
func CopyFile(fs afero.Fs, src, dst string, perm os.FileMode) (err error) {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

// HasEnoughDiskSpace checks if there is sufficient free space below path
func HasEnoughDiskSpace(path string, requiredBytes uint64) (bool, error) {
	freeSpace, err := GetFreeDiskSpace(path)
	if err != nil {
		return false, err
	}
	return freeSpace >= requiredBytes, nil
}
