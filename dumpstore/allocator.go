// Package dumpstore implements the output allocator (C2): atomic
// reservation of the next unused (info, core) file pair for a given host
// inside the dump directory.
package dumpstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MaxDumps bounds the numeric suffix n assigned to a host's dump files to
// [0, MaxDumps).
const MaxDumps = 256

// ErrNoSlot is returned when all MaxDumps numbers are already taken for a
// host.
var ErrNoSlot = errors.New("no free dump slot for host")

// Dir is a handle on the dump directory. All file operations it exposes are
// relative to the directory path captured at open time, so that a process
// that has since dropped privileges and lost the ability to resolve
// arbitrary paths can still only ever touch files inside it.
type Dir struct {
	path string
}

// Open validates that path exists and is a writable directory and returns a
// handle to it.
func Open(path string) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat dump directory %s", path)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", path)
	}
	probe, err := os.CreateTemp(path, ".netdumpd-probe-*")
	if err != nil {
		return nil, errors.Wrapf(err, "dump directory %s is not writable", path)
	}
	probe.Close()
	os.Remove(probe.Name())
	return &Dir{path: path}, nil
}

// Path returns the directory path the handle was opened on.
func (d *Dir) Path() string {
	return d.path
}

// Pair is a reserved, open (info, core) file pair for one dump run.
type Pair struct {
	Info     *os.File
	Core     *os.File
	InfoName string
	CoreName string
	N        int
}

// Reserve scans n in [0, MaxDumps) and atomically creates the first
// info.<host>.<n> / vmcore.<host>.<n> pair that does not already exist. Both
// files are created exclusively (O_EXCL) so an on-disk collision from a
// previous run is never overwritten. If the info file succeeds but the core
// file is already taken, the info file is unlinked and the scan continues,
// keeping the two numbers in lockstep.
func Reserve(dir *Dir, host string) (*Pair, error) {
	for n := 0; n < MaxDumps; n++ {
		infoName := fmt.Sprintf("info.%s.%d", host, n)
		coreName := fmt.Sprintf("vmcore.%s.%d", host, n)
		infoPath := filepath.Join(dir.path, infoName)
		corePath := filepath.Join(dir.path, coreName)

		info, err := os.OpenFile(infoPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			// Any error other than "already exists" is logged but does
			// not abort the scan.
			if !os.IsExist(err) {
				log.Printf("dumpstore: create %s: %v", infoPath, err)
			}
			continue
		}

		core, err := os.OpenFile(corePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			info.Close()
			os.Remove(infoPath)
			if !os.IsExist(err) {
				log.Printf("dumpstore: create %s: %v", corePath, err)
			}
			continue
		}

		return &Pair{
			Info:     info,
			Core:     core,
			InfoName: infoName,
			CoreName: coreName,
			N:        n,
		}, nil
	}
	return nil, ErrNoSlot
}

// Close releases both file handles in the pair.
func (p *Pair) Close() {
	p.Info.Close()
	p.Core.Close()
}

// CommitLast replaces the {info,vmcore}.<host>.last symlinks to point at
// this pair's files. ENOENT on the preceding unlink is benign (no prior
// symlink to remove); any other failure is reported to the caller but never
// rolls back the dump itself.
func CommitLast(dir *Dir, host string, pair *Pair) error {
	var firstErr error
	link := func(target, linkName string) {
		linkPath := filepath.Join(dir.path, linkName)
		if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "remove stale symlink %s", linkPath)
			}
		}
		if err := os.Symlink(target, linkPath); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "create symlink %s", linkPath)
			}
		}
	}

	link(pair.InfoName, fmt.Sprintf("info.%s.last", host))
	link(pair.CoreName, fmt.Sprintf("vmcore.%s.last", host))
	return firstErr
}
