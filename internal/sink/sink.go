// Package sink writes migrated application data to its destination.
//
// A Sink hands out one UnitWriter per migration unit (one package's data in
// one storage class of one user, or one package's APKs). Units never share
// output paths, so writers for different units may run concurrently.
package sink

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	apperrors "github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

// Storage is the Android storage class a unit was found in.
type Storage string

const (
	// StorageCE is credential encrypted app data (data/, user/N/).
	StorageCE Storage = "ce"
	// StorageDE is device protected app data (user_de/N/).
	StorageDE Storage = "de"
	// StorageAPK holds the installed APK files of a package.
	StorageAPK Storage = "apk"
)

// Unit identifies what a UnitWriter receives.
type Unit struct {
	User    int
	Package string
	Storage Storage

	// Users lists the users with app data for Package. Only set for
	// StorageAPK units.
	Users []int
}

func (u Unit) String() string {
	if u.Storage == StorageAPK {
		return "apk/" + u.Package
	}
	return strconv.Itoa(u.User) + "/" + string(u.Storage) + "/" + u.Package
}

// Entity is one filesystem object of a unit. Path is slash separated and
// relative to the unit root, which is the entity with an empty Path.
type Entity struct {
	Path    string
	Type    ext4.FileType
	Mode    uint16 // permission bits including setuid, setgid and sticky
	UID     uint32
	GID     uint32
	Context string // SELinux label, empty when the inode has none
	Size    int64
	Mtime   time.Time

	// Content streams a regular file. It must yield exactly Size bytes.
	Content io.Reader

	LinkTarget   string // symlinks
	HardlinkOf   string // path of an earlier entity sharing the inode
	Major, Minor uint32 // devices
}

// Sink creates unit writers and finalizes the destination.
type Sink interface {
	Open(u Unit) (UnitWriter, error)
	// Finish runs after every unit writer was closed.
	Finish() error
}

// Verifier is implemented by sinks that can read their output back after
// Finish.
type Verifier interface {
	// Verify re-reads everything written in this run and lists the files
	// that do not match what was written.
	Verify() []Mismatch
}

// Mismatch is an output file that did not read back as written.
type Mismatch struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// UnitWriter receives the entities of one unit, parents before children.
// A Write error leaves the entity out of the destination; the writer stays
// usable for the rest of the unit.
type UnitWriter interface {
	Write(e *Entity) error
	Close() error
}

// Record describes one entity in a tree manifest.
type Record struct {
	Path       string `json:"path"`
	Type       string `json:"type"`
	Mode       string `json:"mode"`
	UID        uint32 `json:"uid"`
	GID        uint32 `json:"gid"`
	Context    string `json:"context"`
	Size       int64  `json:"size"`
	Mtime      int64  `json:"mtime"`
	Digest     string `json:"digest,omitempty"`
	LinkTarget string `json:"link_target,omitempty"`
	HardlinkOf string `json:"hardlink_of,omitempty"`
	Device     string `json:"device,omitempty"`
}

func newRecord(e *Entity) Record {
	r := Record{
		Path:       recordPath(e.Path),
		Type:       e.Type.String(),
		Mode:       fmt.Sprintf("%04o", e.Mode),
		UID:        e.UID,
		GID:        e.GID,
		Context:    e.Context,
		Size:       e.Size,
		Mtime:      e.Mtime.Unix(),
		LinkTarget: e.LinkTarget,
	}
	if e.HardlinkOf != "" {
		r.HardlinkOf = recordPath(e.HardlinkOf)
	}
	if e.Type == ext4.TypeCharDevice || e.Type == ext4.TypeBlockDevice {
		r.Device = fmt.Sprintf("%d:%d", e.Major, e.Minor)
	}
	return r
}

func recordPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}

// outputError marks a destination side failure.
func outputError(op, path string, err error) error {
	if errors.Is(err, apperrors.ErrOutputWrite) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", apperrors.ErrOutputWrite, op, path, err)
}

// sourceReader remembers failures of the image side so that copy errors
// can be attributed to the right end.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// copyContent streams e.Content into dst. Read failures are returned as
// they are; everything else is an output error.
func copyContent(dst io.Writer, e *Entity, path string) (int64, error) {
	if e.Content == nil {
		return 0, nil
	}
	src := &sourceReader{r: e.Content}
	n, err := io.Copy(dst, src)
	if src.err != nil {
		return n, src.err
	}
	if err != nil {
		return n, outputError("write", path, err)
	}
	if n != e.Size {
		return n, fmt.Errorf("%w: %s: copied %d of %d bytes", ext4.ErrCorruptInode, path, n, e.Size)
	}
	return n, nil
}
