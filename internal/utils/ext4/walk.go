package ext4

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SkipDir returned from a WalkFunc prunes the directory it was called for.
var SkipDir = errors.New("skip this directory")

// WalkFunc is called for every entity below the walk root, parents before
// children and siblings in name order.
//
// When err is nil, ino is the decoded inode at path. When err is non-nil,
// ino may be nil: the entry could not be resolved, or, for a directory that
// was already visited, its listing could not be read. Returning nil
// continues, SkipDir prunes and any other error stops the walk and is
// returned by Walk.
type WalkFunc func(path string, ino *Inode, err error) error

// Walk traverses the tree under the directory inode root. Paths passed to fn
// are slash separated and relative to root, which itself is visited as "".
// A directory that reappears below itself is reported as ErrCorruptImage.
func (fs *FileSystem) Walk(root uint32, fn WalkFunc) error {
	ino, err := fs.Inode(root)
	if err != nil {
		return ignoreSkipDir(fn("", nil, err))
	}
	return ignoreSkipDir(fs.walk("", ino, make(map[uint32]bool), fn))
}

func (fs *FileSystem) walk(path string, ino *Inode, onPath map[uint32]bool, fn WalkFunc) error {
	if err := fn(path, ino, nil); err != nil || !ino.IsDir() {
		if err == SkipDir && !ino.IsDir() {
			return nil
		}
		return err
	}

	onPath[ino.Num] = true
	defer delete(onPath, ino.Num)

	entries, bad, err := fs.readDir(ino)
	if err != nil {
		return fn(path, ino, err)
	}
	for _, b := range bad {
		if err := fn(joinPath(path, b.entry.Name), nil, b.err); err != nil && err != SkipDir {
			return err
		}
	}

	for _, e := range entries {
		child := joinPath(path, e.Name)
		if onPath[e.Inode] {
			err := NewError(ErrCorruptImage, "Walk", inodeObject(e.Inode),
				fmt.Sprintf("directory cycle at %q", child))
			if err := fn(child, nil, err); err != nil && err != SkipDir {
				return err
			}
			continue
		}

		cino, err := fs.Inode(e.Inode)
		if err != nil {
			if err := fn(child, nil, err); err != nil && err != SkipDir {
				return err
			}
			continue
		}
		if err := fs.walk(child, cino, onPath, fn); err != nil && err != SkipDir {
			return err
		}
	}
	return nil
}

func ignoreSkipDir(err error) error {
	if err == SkipDir {
		return nil
	}
	return err
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Lookup resolves a slash separated path from the root directory. Symlinks
// are not followed; the final component may itself be a symlink.
func (fs *FileSystem) Lookup(path string) (*Inode, error) {
	return fs.LookupFrom(RootInode, path)
}

// LookupFrom resolves path relative to the directory inode dir.
func (fs *FileSystem) LookupFrom(dir uint32, path string) (*Inode, error) {
	ino, err := fs.Inode(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		if !ino.IsDir() {
			return nil, NewError(ErrNotDirectory, "Lookup", path, fmt.Sprintf("%q is a %s", name, ino.Type))
		}
		entries, err := fs.ReadDir(ino)
		if err != nil {
			return nil, err
		}
		i := findEntry(entries, name)
		if i < 0 {
			return nil, NewError(ErrNotFound, "Lookup", path, name)
		}
		if ino, err = fs.Inode(entries[i].Inode); err != nil {
			return nil, err
		}
	}
	return ino, nil
}

// findEntry searches a name sorted listing.
func findEntry(entries []DirEntry, name string) int {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if i < len(entries) && entries[i].Name == name {
		return i
	}
	return -1
}
