package migrate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/deploymenttheory/twrp-evacuate/internal/sink"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
)

// Top level directories of an Android /data partition.
const (
	legacyDataDir = "data"    // user 0 credential encrypted storage
	userDir       = "user"    // user/<N>/<pkg>
	userDEDir     = "user_de" // user_de/<N>/<pkg>
	appDir        = "app"     // installed APKs
)

// Unit is a sink unit together with the image directory it is read from.
type Unit struct {
	sink.Unit
	Path  string // slash separated image path of the unit root
	Inode uint32
}

// Skip records an entity or unit left out of the output.
type Skip struct {
	Unit   string `json:"unit,omitempty"`
	Path   string `json:"path"`
	Inode  uint32 `json:"inode,omitempty"`
	Reason string `json:"reason"`
}

type unitKey struct {
	user    int
	storage sink.Storage
	pkg     string
}

type discovery struct {
	fs    *ext4.FileSystem
	units []Unit
	seen  map[unitKey]string
	skips []Skip
}

// Discover lists the migration units of an Android /data image: app data
// per user and storage class, then the APKs of every installed package.
// Units are ordered by user, storage class and package name, with APK
// units last. Damaged listings become skips; only errors that invalidate
// the whole image are returned.
func Discover(fs *ext4.FileSystem) ([]Unit, []Skip, error) {
	d := &discovery{fs: fs, seen: make(map[unitKey]string)}

	if err := d.packages(legacyDataDir, 0, sink.StorageCE); err != nil {
		return nil, nil, err
	}
	for _, root := range []struct {
		dir     string
		storage sink.Storage
	}{
		{userDir, sink.StorageCE},
		{userDEDir, sink.StorageDE},
	} {
		users, err := d.users(root.dir)
		if err != nil {
			return nil, nil, err
		}
		for _, u := range users {
			if err := d.packages(root.dir+"/"+strconv.Itoa(u), u, root.storage); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := d.apks(); err != nil {
		return nil, nil, err
	}

	sort.SliceStable(d.units, func(i, j int) bool { return unitLess(d.units[i].Unit, d.units[j].Unit) })
	return d.units, d.skips, nil
}

func storageRank(s sink.Storage) int {
	switch s {
	case sink.StorageCE:
		return 0
	case sink.StorageDE:
		return 1
	}
	return 2
}

func unitLess(a, b sink.Unit) bool {
	if ra, rb := storageRank(a.Storage) == 2, storageRank(b.Storage) == 2; ra != rb {
		return rb
	}
	if a.User != b.User {
		return a.User < b.User
	}
	if a.Storage != b.Storage {
		return storageRank(a.Storage) < storageRank(b.Storage)
	}
	return a.Package < b.Package
}

// list returns the entries of the directory at path. A missing or non
// directory path yields nothing; a damaged one is recorded as a skip.
func (d *discovery) list(path string) (*ext4.Inode, []ext4.DirEntry, error) {
	ino, err := d.fs.Lookup(path)
	if err == nil && !ino.IsDir() {
		return nil, nil, nil
	}
	var entries []ext4.DirEntry
	if err == nil {
		entries, err = d.fs.ReadDir(ino)
	}
	switch {
	case err == nil:
		return ino, entries, nil
	case ext4.IsFatal(err):
		return nil, nil, err
	case errors.Is(err, ext4.ErrNotFound), errors.Is(err, ext4.ErrNotDirectory):
		return nil, nil, nil
	}
	d.skips = append(d.skips, Skip{Path: path, Reason: err.Error()})
	return nil, nil, nil
}

// users returns the numeric user directories below dir. Symlinked user
// directories are aliases, as user/0 is for data on most devices.
func (d *discovery) users(dir string) ([]int, error) {
	_, entries, err := d.list(dir)
	if err != nil {
		return nil, err
	}
	var users []int
	for _, e := range entries {
		id, err := strconv.Atoi(e.Name)
		if err != nil || id < 0 || strconv.Itoa(id) != e.Name {
			continue
		}
		if e.Type == ext4.TypeSymlink {
			continue
		}
		users = append(users, id)
	}
	sort.Ints(users)
	return users, nil
}

// packages adds one unit per package directory below dir.
func (d *discovery) packages(dir string, user int, storage sink.Storage) error {
	_, entries, err := d.list(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != ext4.TypeDirectory && e.Type != ext4.TypeUnknown {
			continue
		}
		if err := d.add(user, storage, e.Name, dir+"/"+e.Name, e.Inode); err != nil {
			return err
		}
	}
	return nil
}

// add registers a unit unless an earlier one already claimed the same
// user, storage and package.
func (d *discovery) add(user int, storage sink.Storage, pkg, path string, inum uint32) error {
	u := sink.Unit{User: user, Package: pkg, Storage: storage}
	k := unitKey{user, storage, pkg}
	if storage == sink.StorageAPK {
		u.User = 0
		k.user = 0
	}
	if first, ok := d.seen[k]; ok {
		d.skips = append(d.skips, Skip{
			Unit:   u.String(),
			Path:   path,
			Inode:  inum,
			Reason: fmt.Sprintf("duplicate of %s", first),
		})
		return nil
	}

	ino, err := d.fs.Inode(inum)
	if err != nil {
		if ext4.IsFatal(err) {
			return err
		}
		d.skips = append(d.skips, Skip{Unit: u.String(), Path: path, Inode: inum, Reason: err.Error()})
		return nil
	}
	if !ino.IsDir() {
		return nil
	}

	d.seen[k] = path
	d.units = append(d.units, Unit{Unit: u, Path: path, Inode: inum})
	return nil
}

// apks finds the install directories of packages. Android 11 and later
// use app/~~<random>/<pkg>-<random>/, older releases app/<pkg>-<n>/.
func (d *discovery) apks() error {
	_, entries, err := d.list(appDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != ext4.TypeDirectory && e.Type != ext4.TypeUnknown {
			continue
		}
		if !strings.HasPrefix(e.Name, "~~") {
			if err := d.installDir(appDir, e); err != nil {
				return err
			}
			continue
		}
		_, inner, err := d.list(appDir + "/" + e.Name)
		if err != nil {
			return err
		}
		for _, ie := range inner {
			if ie.Type != ext4.TypeDirectory && ie.Type != ext4.TypeUnknown {
				continue
			}
			if err := d.installDir(appDir+"/"+e.Name, ie); err != nil {
				return err
			}
		}
	}

	users := make(map[string][]int)
	for _, u := range d.units {
		if u.Storage == sink.StorageAPK {
			continue
		}
		users[u.Package] = append(users[u.Package], u.User)
	}
	for i := range d.units {
		if d.units[i].Storage != sink.StorageAPK {
			continue
		}
		list := append([]int(nil), users[d.units[i].Package]...)
		sort.Ints(list)
		d.units[i].Users = dedupInts(list)
	}
	return nil
}

func (d *discovery) installDir(parent string, e ext4.DirEntry) error {
	pkg := PackageFromInstallDir(e.Name)
	if pkg == "" {
		return nil
	}
	return d.add(0, sink.StorageAPK, pkg, parent+"/"+e.Name, e.Inode)
}

// PackageFromInstallDir returns the package name of an install directory
// such as "com.example-1" or "com.example-Qm9vYmFy==". Package names never
// contain a dash.
func PackageFromInstallDir(name string) string {
	pkg, _, ok := strings.Cut(name, "-")
	if !ok || pkg == "" {
		return ""
	}
	return pkg
}

func dedupInts(in []int) []int {
	out := in[:0]
	for _, v := range in {
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
