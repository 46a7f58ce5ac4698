// Package migrate walks the app data of an Android /data image and hands
// every entity to an output sink.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
	"github.com/deploymenttheory/twrp-evacuate/internal/sink"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/osutil"
)

// Android assigns every app a cache gid of 20000 + appId in each user
// range of 100000 ids.
const (
	perUserRange  = 100000
	firstCacheGID = 20000
	lastCacheGID  = 29999
)

// IsCacheGID reports whether gid is an Android per-app cache group.
func IsCacheGID(gid uint32) bool {
	appID := gid % perUserRange
	return appID >= firstCacheGID && appID <= lastCacheGID
}

// Options tune a Migrator.
type Options struct {
	// Workers bounds the number of units processed at once. Zero uses
	// one worker per CPU.
	Workers int
	// SkipCache leaves out entities owned by a cache group.
	SkipCache bool
	// APKs includes the installed APK files of every package.
	APKs bool
	// Packages restricts the run to package names matching one of these
	// glob patterns. Empty selects every package.
	Packages []string
}

// Migrator copies the units of one image into one sink.
type Migrator struct {
	fs   *ext4.FileSystem
	sink sink.Sink
	opts Options
}

// New returns a Migrator reading from fs and writing to s.
func New(fs *ext4.FileSystem, s sink.Sink, opts Options) *Migrator {
	if opts.Workers <= 0 {
		opts.Workers = osutil.GetNumCPU()
	}
	return &Migrator{fs: fs, sink: s, opts: opts}
}

// Run discovers and migrates every unit. Units run concurrently; each one
// walks its own subtree parents first. Damaged or unwritable entities are
// recorded in the report and skipped. Errors that invalidate the image
// stop the run. When ctx is cancelled, units that already started finish,
// the rest are left out and ctx.Err() is returned with the partial report.
//
// Run does not call Finish on the sink.
func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := newReport()

	units, skips, err := Discover(m.fs)
	if err != nil {
		return report, err
	}
	report.Skipped = append(report.Skipped, skips...)
	units, err = m.selectUnits(units)
	if err != nil {
		return report, err
	}

	logger.LogInfo("Discovered units", map[string]interface{}{
		"units":   len(units),
		"skipped": len(skips),
		"workers": m.opts.Workers,
	})

	results := make([]*unitReport, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)

	for i, u := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cancellation is only honoured between units.
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := m.migrateUnit(u)
			results[i] = res
			return err
		})
	}
	err = g.Wait()

	done := 0
	for _, res := range results {
		if res != nil {
			report.merge(res)
			done++
		}
	}
	report.Elapsed = time.Since(start)

	if err == nil && done < len(units) {
		err = ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.LogError("Migration aborted", err, map[string]interface{}{
			"units_done": done,
		})
	}
	return report, err
}

// selectUnits drops the units the options leave out.
func (m *Migrator) selectUnits(units []Unit) ([]Unit, error) {
	patterns := make([]glob.Glob, 0, len(m.opts.Packages))
	for _, p := range m.opts.Packages {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("package pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}

	kept := units[:0]
	for _, u := range units {
		if u.Storage == sink.StorageAPK && !m.opts.APKs {
			continue
		}
		if len(patterns) > 0 && !matchAny(patterns, u.Package) {
			continue
		}
		kept = append(kept, u)
	}
	return kept, nil
}

func matchAny(patterns []glob.Glob, s string) bool {
	for _, g := range patterns {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// unitRun is the state of one unit walk.
type unitRun struct {
	m     *Migrator
	unit  Unit
	w     sink.UnitWriter
	res   *unitReport
	links map[uint32]string
}

func (m *Migrator) migrateUnit(u Unit) (*unitReport, error) {
	res := &unitReport{unit: u}
	name := u.String()

	logger.LogDebug("Migrating unit", map[string]interface{}{
		"unit":  name,
		"path":  u.Path,
		"inode": u.Inode,
	})

	w, err := m.sink.Open(u.Unit)
	if err != nil {
		res.skip(u.Path, u.Inode, err)
		return res, nil
	}

	run := &unitRun{m: m, unit: u, w: w, res: res, links: make(map[uint32]string)}
	werr := m.fs.Walk(u.Inode, run.visit)

	if cerr := w.Close(); cerr != nil {
		res.skip(u.Path, u.Inode, cerr)
	}
	if werr != nil {
		return res, werr
	}
	return res, nil
}

func (r *unitRun) imagePath(rel string) string {
	if rel == "" {
		return r.unit.Path
	}
	return r.unit.Path + "/" + rel
}

// visit is the WalkFunc of a unit.
func (r *unitRun) visit(rel string, ino *ext4.Inode, err error) error {
	if err != nil {
		if ext4.IsFatal(err) {
			return err
		}
		var num uint32
		if ino != nil {
			// The directory was counted as extracted before its listing
			// failed; it moves to the skips with its lost contents.
			num = ino.Num
			r.res.extracted--
		}
		r.res.skip(r.imagePath(rel), num, err)
		return nil
	}

	r.res.visited++
	if filtered, prune := r.filter(rel, ino); filtered {
		r.res.filtered++
		if prune {
			return ext4.SkipDir
		}
		return nil
	}

	e, err := r.entity(rel, ino)
	if err == nil {
		err = r.w.Write(e)
	}
	if err != nil {
		if ext4.IsFatal(err) {
			return err
		}
		r.res.skip(r.imagePath(rel), ino.Num, err)
		if ino.IsDir() {
			return ext4.SkipDir
		}
		return nil
	}

	if ino.IsRegular() && ino.Links > 1 && e.HardlinkOf == "" {
		r.links[ino.Num] = rel
	}
	r.res.extracted++
	return nil
}

// filter decides whether an entity stays out of the output and whether
// its subtree goes with it.
func (r *unitRun) filter(rel string, ino *ext4.Inode) (filtered, prune bool) {
	if rel == "" {
		return false, false
	}
	if r.unit.Storage == sink.StorageAPK {
		// Only the APK files of the install directory are kept; native
		// libraries and compiled code are regenerated on install.
		if ino.IsDir() {
			return true, true
		}
		return !ino.IsRegular() || !strings.HasSuffix(path.Base(rel), ".apk"), false
	}
	if r.m.opts.SkipCache && IsCacheGID(ino.GID) {
		return true, ino.IsDir()
	}
	// Sockets are bound by the app at runtime.
	return ino.Type == ext4.TypeSocket, false
}

func (r *unitRun) entity(rel string, ino *ext4.Inode) (*sink.Entity, error) {
	fs := r.m.fs
	label, err := fs.SecurityContext(ino)
	if err != nil {
		return nil, err
	}

	e := &sink.Entity{
		Path:    rel,
		Type:    ino.Type,
		Mode:    ino.Perm(),
		UID:     ino.UID,
		GID:     ino.GID,
		Context: label,
		Size:    int64(ino.Size),
		Mtime:   ino.Mtime,
	}

	switch ino.Type {
	case ext4.TypeRegular:
		if first, ok := r.links[ino.Num]; ok {
			e.HardlinkOf = first
			return e, nil
		}
		data, err := fs.OpenFile(ino)
		if err != nil {
			return nil, err
		}
		e.Content = data
	case ext4.TypeSymlink:
		target, err := fs.Readlink(ino)
		if err != nil {
			return nil, err
		}
		e.LinkTarget = target
	case ext4.TypeCharDevice, ext4.TypeBlockDevice:
		e.Major, e.Minor = ino.DeviceNumbers()
	}
	return e, nil
}

// Report summarizes a run. Each visited entity is counted once, as
// extracted, filtered or skipped. Skipped also lists entries whose inode
// could not be read, which are never visited.
type Report struct {
	Units     int           `json:"units"`
	Visited   int           `json:"visited"`
	Extracted int           `json:"extracted"`
	Filtered  int           `json:"filtered"`
	Skipped   []Skip        `json:"skipped"`
	Users     map[int]int   `json:"users"` // extracted entities per user
	Elapsed   time.Duration `json:"elapsed"`

	// Verified is set when the output was read back after the run.
	Verified   bool            `json:"verified"`
	Mismatches []sink.Mismatch `json:"mismatches,omitempty"`
}

func newReport() *Report {
	return &Report{Users: make(map[int]int)}
}

type unitReport struct {
	unit      Unit
	visited   int
	extracted int
	filtered  int
	skipped   []Skip
}

func (u *unitReport) skip(p string, inum uint32, err error) {
	s := Skip{Unit: u.unit.String(), Path: p, Inode: inum, Reason: err.Error()}
	u.skipped = append(u.skipped, s)
	logger.LogWarn("Skipping entity", map[string]interface{}{
		"unit":   s.Unit,
		"path":   s.Path,
		"inode":  s.Inode,
		"reason": s.Reason,
	})
}

func (r *Report) merge(u *unitReport) {
	r.Units++
	r.Visited += u.visited
	r.Extracted += u.extracted
	r.Filtered += u.filtered
	r.Skipped = append(r.Skipped, u.skipped...)
	if u.unit.Storage != sink.StorageAPK {
		r.Users[u.unit.User] += u.extracted
	}
}

// UserIDs returns the users with extracted entities in ascending order.
func (r *Report) UserIDs() []int {
	ids := make([]int, 0, len(r.Users))
	for id := range r.Users {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Log writes the summary to the application logger.
func (r *Report) Log() {
	fields := map[string]interface{}{
		"units":     r.Units,
		"visited":   r.Visited,
		"extracted": r.Extracted,
		"filtered":  r.Filtered,
		"skipped":   len(r.Skipped),
		"elapsed":   r.Elapsed.Round(time.Millisecond).String(),
	}
	for _, id := range r.UserIDs() {
		fields["user_"+strconv.Itoa(id)] = r.Users[id]
	}
	if r.Verified {
		fields["mismatches"] = len(r.Mismatches)
	}
	logger.LogInfo("Migration finished", fields)
}
