package sink

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
	compression "github.com/deploymenttheory/twrp-evacuate/internal/utils/compressionutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/fsutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/jsonutil"
)

const (
	// NeoBackupVersionCode is the properties format understood by Neo Backup 8.
	NeoBackupVersionCode = 8003

	dataArchive            = "data.tar"
	deviceProtectedArchive = "device_protected_files.tar"
	paxSELinux             = "SCHILY.xattr.security.selinux"
	backupDateLayout       = "2006-01-02T15:04:05.000"
)

// Properties is the Neo Backup description of one backup.
type Properties struct {
	BackupVersionCode       int    `json:"backupVersionCode"`
	PackageName             string `json:"packageName"`
	PackageLabel            string `json:"packageLabel"`
	VersionName             string `json:"versionName"`
	VersionCode             int    `json:"versionCode"`
	BackupDate              string `json:"backupDate"`
	HasApk                  bool   `json:"hasApk"`
	HasAppData              bool   `json:"hasAppData"`
	HasDevicesProtectedData bool   `json:"hasDevicesProtectedData"`
	CPUArch                 string `json:"cpuArch"`
	Size                    int64  `json:"size"`
}

// ArchiveOptions configures an ArchiveSink.
type ArchiveOptions struct {
	Compression compression.Format
	// Stamp dates the backups, normally the modification time of the image.
	Stamp   time.Time
	CPUArch string
}

// ArchiveSink lays units out as Neo Backup backups:
//
//	<root>/<user>/<pkg>/<stamp>-user_<user>/data.tar.gz
//	<root>/<user>/<pkg>/<stamp>-user_<user>/device_protected_files.tar.gz
//	<root>/<user>/<pkg>/<stamp>-user_<user>/*.apk
//	<root>/<user>/<pkg>/<stamp>-user_<user>.properties
//
// Archives without regular files are dropped, and backups left without
// anything to restore get no properties file.
type ArchiveSink struct {
	fs   afero.Fs
	root string
	opts ArchiveOptions

	mu      sync.Mutex
	backups map[backupKey]*backupState

	// properties files written by Finish
	written []string
}

type backupKey struct {
	user int
	pkg  string
}

type backupState struct {
	hasApk, hasData, hasDE bool
	size                   int64
}

// NewArchiveSink creates root on fs and returns a sink writing below it.
func NewArchiveSink(fs afero.Fs, root string, opts ArchiveOptions) (*ArchiveSink, error) {
	if opts.Compression == "" {
		opts.Compression = compression.Gzip
	}
	if _, err := compression.NewWriter(io.Discard, opts.Compression); err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(fs, root, 0o755); err != nil {
		return nil, err
	}
	return &ArchiveSink{
		fs:      fs,
		root:    root,
		opts:    opts,
		backups: make(map[backupKey]*backupState),
	}, nil
}

// BackupName returns the Neo Backup directory name for user, for example
// "2024-03-01-12-00-00-000-user_0".
func (s *ArchiveSink) BackupName(user int) string {
	t := s.opts.Stamp
	return fmt.Sprintf("%s-%03d-user_%d", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond), user)
}

func (s *ArchiveSink) packageDir(user int, pkg string) (string, error) {
	return fsutil.SafeJoin(filepath.Join(s.root, strconv.Itoa(user)), pkg)
}

// BackupDir returns the directory holding the archives of (user, pkg).
func (s *ArchiveSink) BackupDir(user int, pkg string) (string, error) {
	dir, err := s.packageDir(user, pkg)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.BackupName(user)), nil
}

// state returns the bookkeeping of (user, pkg), creating it on first use.
// Callers hold s.mu.
func (s *ArchiveSink) state(user int, pkg string) *backupState {
	k := backupKey{user, pkg}
	b, ok := s.backups[k]
	if !ok {
		b = &backupState{}
		s.backups[k] = b
	}
	return b
}

func (s *ArchiveSink) update(user int, pkg string, fn func(b *backupState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state(user, pkg))
}

func (s *ArchiveSink) openBackupDir(user int, pkg string) (string, error) {
	dir, err := s.BackupDir(user, pkg)
	if err != nil {
		return "", outputError("open", pkg, err)
	}
	if err := fsutil.EnsureDir(s.fs, dir, 0o755); err != nil {
		return "", err
	}
	s.update(user, pkg, func(*backupState) {})
	return dir, nil
}

func (s *ArchiveSink) Open(u Unit) (UnitWriter, error) {
	if u.Storage == StorageAPK {
		w := &apkWriter{sink: s, unit: u}
		for _, user := range u.Users {
			dir, err := s.openBackupDir(user, u.Package)
			if err != nil {
				return nil, err
			}
			w.dirs = append(w.dirs, dir)
			w.users = append(w.users, user)
		}
		return w, nil
	}

	dir, err := s.openBackupDir(u.User, u.Package)
	if err != nil {
		return nil, err
	}
	name := dataArchive
	if u.Storage == StorageDE {
		name = deviceProtectedArchive
	}
	target := filepath.Join(dir, name+s.opts.Compression.Extension())

	f, err := s.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, outputError("create", target, err)
	}
	tw, err := compression.NewTarWriter(f, s.opts.Compression)
	if err != nil {
		f.Close()
		s.fs.Remove(target)
		return nil, outputError("compress", target, err)
	}
	return &archiveWriter{sink: s, unit: u, target: target, file: f, tw: tw}, nil
}

// Finish writes the properties of every backup that holds something and
// removes the directories of those that do not.
func (s *ArchiveSink) Finish() error {
	s.mu.Lock()
	keys := make([]backupKey, 0, len(s.backups))
	for k := range s.backups {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].pkg < keys[j].pkg
	})

	var errs error
	for _, k := range keys {
		b := s.backups[k]
		pkgDir, err := s.packageDir(k.user, k.pkg)
		if err != nil {
			errs = multierr.Append(errs, outputError("finish", k.pkg, err))
			continue
		}
		name := s.BackupName(k.user)

		if !b.hasApk && !b.hasData && !b.hasDE {
			logger.LogDebug("Dropping empty backup", map[string]interface{}{
				"user":    k.user,
				"package": k.pkg,
			})
			errs = multierr.Append(errs, s.fs.RemoveAll(filepath.Join(pkgDir, name)))
			errs = multierr.Append(errs, fsutil.RemoveIfEmpty(s.fs, pkgDir))
			continue
		}

		props := Properties{
			BackupVersionCode:       NeoBackupVersionCode,
			PackageName:             k.pkg,
			PackageLabel:            k.pkg,
			VersionName:             "0.0.0",
			VersionCode:             0,
			BackupDate:              s.opts.Stamp.Format(backupDateLayout),
			HasApk:                  b.hasApk,
			HasAppData:              b.hasData,
			HasDevicesProtectedData: b.hasDE,
			CPUArch:                 s.opts.CPUArch,
			Size:                    b.size,
		}
		target := filepath.Join(pkgDir, name+".properties")
		if err := jsonutil.WriteJSON(s.fs, target, props); err != nil {
			errs = multierr.Append(errs, outputError("write properties", target, err))
			continue
		}
		s.written = append(s.written, target)
	}
	return errs
}

// Verify reads back every backup Finish described: each archive must
// decompress in the configured format and hold a readable tar stream, and
// the backup files must add up to the size in the properties.
func (s *ArchiveSink) Verify() []Mismatch {
	var out []Mismatch
	for _, propsPath := range s.written {
		var props Properties
		if err := jsonutil.ReadJSON(s.fs, propsPath, &props); err != nil {
			out = append(out, Mismatch{Path: propsPath, Reason: err.Error()})
			continue
		}
		dir := strings.TrimSuffix(propsPath, ".properties")
		infos, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			out = append(out, Mismatch{Path: dir, Reason: err.Error()})
			continue
		}

		var total int64
		var hasData, hasDE bool
		for _, fi := range infos {
			total += fi.Size()
			target := filepath.Join(dir, fi.Name())
			switch fi.Name() {
			case dataArchive + s.opts.Compression.Extension():
				hasData = true
			case deviceProtectedArchive + s.opts.Compression.Extension():
				hasDE = true
			default:
				continue
			}
			if reason := s.checkArchive(target); reason != "" {
				out = append(out, Mismatch{Path: target, Reason: reason})
			}
		}
		if hasData != props.HasAppData || hasDE != props.HasDevicesProtectedData {
			out = append(out, Mismatch{Path: propsPath, Reason: "archives present do not match properties"})
		}
		if total != props.Size {
			out = append(out, Mismatch{Path: propsPath, Reason: fmt.Sprintf("backup holds %d bytes, properties have %d", total, props.Size)})
		}
	}
	return out
}

func (s *ArchiveSink) checkArchive(target string) string {
	f, err := s.fs.Open(target)
	if err != nil {
		return err.Error()
	}
	defer f.Close()

	tr, err := compression.NewTarReader(f)
	if err != nil {
		return err.Error()
	}
	defer tr.Close()
	if tr.Format != s.opts.Compression {
		return fmt.Sprintf("compressed as %s, want %s", tr.Format, s.opts.Compression)
	}

	entries := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err.Error()
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return err.Error()
		}
		entries++
	}
	if entries == 0 {
		return "archive is empty"
	}
	if err := tr.Drain(); err != nil {
		return err.Error()
	}
	return ""
}

type archiveWriter struct {
	sink    *ArchiveSink
	unit    Unit
	target  string
	file    afero.File
	tw      *compression.TarWriter
	regular int
	broken  error
}

func tarName(p string, dir bool) string {
	if p == "" {
		return "./"
	}
	if dir {
		return "./" + p + "/"
	}
	return "./" + p
}

func (w *archiveWriter) header(e *Entity) (*tar.Header, error) {
	hdr := &tar.Header{
		Name:    tarName(e.Path, e.Type == ext4.TypeDirectory),
		Mode:    int64(e.Mode),
		Uid:     int(e.UID),
		Gid:     int(e.GID),
		ModTime: e.Mtime,
	}
	if e.Context != "" {
		hdr.PAXRecords = map[string]string{paxSELinux: e.Context}
	}

	if e.HardlinkOf != "" && e.Type != ext4.TypeDirectory {
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = tarName(e.HardlinkOf, false)
		return hdr, nil
	}

	switch e.Type {
	case ext4.TypeDirectory:
		hdr.Typeflag = tar.TypeDir
	case ext4.TypeRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case ext4.TypeSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
	case ext4.TypeCharDevice:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor, hdr.Devminor = int64(e.Major), int64(e.Minor)
	case ext4.TypeBlockDevice:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor, hdr.Devminor = int64(e.Major), int64(e.Minor)
	case ext4.TypeFIFO:
		hdr.Typeflag = tar.TypeFifo
	default:
		return nil, outputError("archive", e.Path, fmt.Errorf("tar cannot hold a %s", e.Type))
	}
	return hdr, nil
}

func (w *archiveWriter) Write(e *Entity) error {
	if w.broken != nil {
		return w.broken
	}
	hdr, err := w.header(e)
	if err != nil {
		return err
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		w.broken = outputError("write header", w.target, err)
		return w.broken
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	if _, err := copyContent(w.tw, e, e.Path); err != nil {
		// The entry is truncated, nothing after it can be appended.
		w.broken = outputError("write", w.target, err)
		return err
	}
	w.regular++
	return nil
}

func (w *archiveWriter) Close() error {
	fs := w.sink.fs
	if err := multierr.Append(w.tw.Close(), w.file.Close()); err != nil {
		fs.Remove(w.target)
		return outputError("close", w.target, err)
	}
	if w.regular == 0 {
		return fs.Remove(w.target)
	}

	info, err := fs.Stat(w.target)
	if err != nil {
		return outputError("stat", w.target, err)
	}
	w.sink.update(w.unit.User, w.unit.Package, func(b *backupState) {
		if w.unit.Storage == StorageDE {
			b.hasDE = true
		} else {
			b.hasData = true
		}
		b.size += info.Size()
	})
	return nil
}

// apkWriter copies the APK files of a package into the backup of every
// user that has data for it.
type apkWriter struct {
	sink  *ArchiveSink
	unit  Unit
	dirs  []string
	users []int
}

func (w *apkWriter) Write(e *Entity) error {
	if e.Type != ext4.TypeRegular || len(w.dirs) == 0 {
		return nil
	}
	fs := w.sink.fs
	name := path.Base(e.Path)

	var files []afero.File
	var writers []io.Writer
	var targets []string
	cleanup := func() {
		for i, f := range files {
			f.Close()
			fs.Remove(targets[i])
		}
	}
	for _, dir := range w.dirs {
		target := filepath.Join(dir, name)
		f, err := fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			cleanup()
			return outputError("create", target, err)
		}
		files = append(files, f)
		writers = append(writers, f)
		targets = append(targets, target)
	}

	if _, err := copyContent(io.MultiWriter(writers...), e, e.Path); err != nil {
		cleanup()
		return err
	}
	var errs error
	for _, f := range files {
		errs = multierr.Append(errs, f.Close())
	}
	if errs != nil {
		for _, t := range targets {
			fs.Remove(t)
		}
		return outputError("close", name, errs)
	}

	for _, user := range w.users {
		w.sink.update(user, w.unit.Package, func(b *backupState) {
			b.hasApk = true
			b.size += e.Size
		})
	}
	return nil
}

func (w *apkWriter) Close() error { return nil }
