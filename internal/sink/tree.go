package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/cryptoutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/fsutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/jsonutil"
)

// TreeSink mirrors every unit as a plain directory tree:
//
//	<root>/<user>/data/<pkg>/...         credential encrypted data
//	<root>/<user>/user_de/<pkg>/...      device protected data
//	<root>/apk/<pkg>/*.apk               installed APKs
//
// Next to each unit directory, <pkg>.metadata.json lists one Record per
// entity, sorted by path. Owner, group, context and special bits only live
// in the manifest; on disk the owner always keeps read and write access so
// that extraction and later cleanup work without privileges.
type TreeSink struct {
	fs     afero.Fs
	root   string
	hasher cryptoutil.Hasher

	mu        sync.Mutex
	manifests []string
}

// NewTreeSink creates root on fs and returns a sink writing below it.
func NewTreeSink(fs afero.Fs, root string, digest cryptoutil.HashAlgorithm) (*TreeSink, error) {
	hasher, err := cryptoutil.NewHasher(digest)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(fs, root, 0o755); err != nil {
		return nil, err
	}
	return &TreeSink{fs: fs, root: root, hasher: hasher}, nil
}

// UnitDir returns the directory the unit is mirrored to and the path of
// its manifest.
func (s *TreeSink) UnitDir(u Unit) (dir, manifest string, err error) {
	var base string
	switch u.Storage {
	case StorageAPK:
		base = filepath.Join(s.root, "apk")
	case StorageDE:
		base = filepath.Join(s.root, strconv.Itoa(u.User), "user_de")
	default:
		base = filepath.Join(s.root, strconv.Itoa(u.User), "data")
	}
	if dir, err = fsutil.SafeJoin(base, u.Package); err != nil {
		return "", "", err
	}
	return dir, dir + ".metadata.json", nil
}

func (s *TreeSink) Open(u Unit) (UnitWriter, error) {
	dir, manifest, err := s.UnitDir(u)
	if err != nil {
		return nil, outputError("open", u.String(), err)
	}
	if err := fsutil.EnsureDir(s.fs, filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}
	return &treeWriter{
		sink:     s,
		unit:     u,
		dir:      dir,
		manifest: manifest,
		digests:  make(map[string]string),
	}, nil
}

func (s *TreeSink) Finish() error { return nil }

type treeWriter struct {
	sink     *TreeSink
	unit     Unit
	dir      string
	manifest string
	records  []Record
	digests  map[string]string
}

func filePerm(mode uint16) os.FileMode { return os.FileMode(mode&0o777) | 0o600 }
func dirPerm(mode uint16) os.FileMode  { return os.FileMode(mode&0o777) | 0o700 }

func (w *treeWriter) Write(e *Entity) error {
	fs := w.sink.fs
	target, err := fsutil.SafeJoin(w.dir, e.Path)
	if err != nil {
		return outputError("resolve", e.Path, err)
	}
	rec := newRecord(e)

	switch e.Type {
	case ext4.TypeDirectory:
		if err := removeSymlink(fs, target); err != nil {
			return outputError("replace", target, err)
		}
		if err := fs.MkdirAll(target, dirPerm(e.Mode)); err != nil {
			return outputError("mkdir", target, err)
		}
		if err := fs.Chmod(target, dirPerm(e.Mode)); err != nil {
			return outputError("chmod", target, err)
		}

	case ext4.TypeRegular:
		if err := removeSymlink(fs, target); err != nil {
			return outputError("replace", target, err)
		}
		if e.HardlinkOf != "" {
			if err := w.copyLink(e, target); err != nil {
				return err
			}
			rec.Digest = w.digests[e.HardlinkOf]
		} else {
			digest, err := w.writeFile(e, target)
			if err != nil {
				return err
			}
			rec.Digest = digest
			w.digests[e.Path] = digest
		}

	case ext4.TypeSymlink:
		if linker, ok := fs.(afero.Linker); ok {
			if err := fs.Remove(target); err != nil && !os.IsNotExist(err) {
				return outputError("replace", target, err)
			}
			if err := linker.SymlinkIfPossible(e.LinkTarget, target); err != nil {
				return outputError("symlink", target, err)
			}
		}

	default:
		// Devices and fifos are only described in the manifest.
	}

	w.records = append(w.records, rec)
	return nil
}

// removeSymlink deletes target when it is a symlink left by an earlier run,
// so a directory is never created through it.
func removeSymlink(fs afero.Fs, target string) error {
	lstater, ok := fs.(afero.Lstater)
	if !ok {
		return nil
	}
	info, _, err := lstater.LstatIfPossible(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return fs.Remove(target)
}

func (w *treeWriter) writeFile(e *Entity, target string) (string, error) {
	fs := w.sink.fs
	f, err := fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm(e.Mode))
	if err != nil {
		return "", outputError("create", target, err)
	}

	hw := w.sink.hasher.NewHashWriter()
	_, err = copyContent(io.MultiWriter(f, hw), e, e.Path)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = outputError("close", target, cerr)
	}
	if err == nil {
		err = w.finishFile(target, e)
	}
	if err != nil {
		if rerr := fs.Remove(target); rerr != nil {
			logger.LogWarn("Could not remove partial output file", map[string]interface{}{
				"path":  target,
				"error": rerr.Error(),
			})
		}
		return "", err
	}
	return hw.Digest(), nil
}

func (w *treeWriter) copyLink(e *Entity, target string) error {
	src, err := fsutil.SafeJoin(w.dir, e.HardlinkOf)
	if err != nil {
		return outputError("resolve", e.HardlinkOf, err)
	}
	if err := fsutil.CopyFile(w.sink.fs, src, target, filePerm(e.Mode)); err != nil {
		w.sink.fs.Remove(target)
		return outputError("copy", target, err)
	}
	return w.finishFile(target, e)
}

func (w *treeWriter) finishFile(target string, e *Entity) error {
	fs := w.sink.fs
	if err := fs.Chmod(target, filePerm(e.Mode)); err != nil {
		return outputError("chmod", target, err)
	}
	if err := fs.Chtimes(target, e.Mtime, e.Mtime); err != nil {
		return outputError("chtimes", target, err)
	}
	return nil
}

// Close writes the unit manifest.
func (w *treeWriter) Close() error {
	if len(w.records) == 0 {
		return nil
	}
	sort.Slice(w.records, func(i, j int) bool { return w.records[i].Path < w.records[j].Path })
	if err := jsonutil.WriteJSON(w.sink.fs, w.manifest, w.records); err != nil {
		return outputError("write manifest", w.manifest, err)
	}
	w.sink.mu.Lock()
	w.sink.manifests = append(w.sink.manifests, w.manifest)
	w.sink.mu.Unlock()
	return nil
}

// Verify re-hashes every regular file listed in the manifests written by
// this sink and compares size and digest with the manifest.
func (s *TreeSink) Verify() []Mismatch {
	s.mu.Lock()
	manifests := append([]string(nil), s.manifests...)
	s.mu.Unlock()
	sort.Strings(manifests)

	var out []Mismatch
	hw := s.hasher.NewHashWriter()
	for _, manifest := range manifests {
		var records []Record
		if err := jsonutil.ReadJSON(s.fs, manifest, &records); err != nil {
			out = append(out, Mismatch{Path: manifest, Reason: err.Error()})
			continue
		}
		dir := strings.TrimSuffix(manifest, ".metadata.json")
		for _, rec := range records {
			if rec.Digest == "" {
				continue
			}
			target, err := fsutil.SafeJoin(dir, rec.Path)
			if err != nil {
				out = append(out, Mismatch{Path: rec.Path, Reason: err.Error()})
				continue
			}
			if reason := s.check(hw, target, rec); reason != "" {
				out = append(out, Mismatch{Path: target, Reason: reason})
			}
		}
	}
	return out
}

func (s *TreeSink) check(hw *cryptoutil.HashWriter, target string, rec Record) string {
	sum, alg := cryptoutil.ParseHashWithAlgorithm(rec.Digest)
	if alg != s.hasher.Algorithm() {
		return fmt.Sprintf("manifest digest %q is not %s", rec.Digest, s.hasher.Algorithm())
	}
	f, err := s.fs.Open(target)
	if err != nil {
		return err.Error()
	}
	defer f.Close()

	hw.Reset()
	if _, err := io.Copy(hw, f); err != nil {
		return err.Error()
	}
	if hw.Written() != rec.Size {
		return fmt.Sprintf("size %d, manifest has %d", hw.Written(), rec.Size)
	}
	if hw.SumHex() != sum {
		return "content differs from manifest digest"
	}
	return ""
}
