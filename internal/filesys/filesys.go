// Package filesys abstracts the small filesystem surface the config store
// needs behind the FS interface. OsFS implements it against the local
// disk; since Open and CreateTemp return *os.File, every implementation
// is backed by real files.
package filesys

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the surface the policy store requires: reading the document,
// creating its directory, and the primitives AtomicWrite composes.
type FS interface {
	Stat(string) (fs.FileInfo, error)
	MkdirAll(string, os.FileMode) error
	Open(string) (*os.File, error)
	ReadFile(string) ([]byte, error)
	CreateTemp(string, string) (*os.File, error)
	Rename(string, string) error
	Remove(string) error
	Chmod(string, os.FileMode) error
}

// OS returns an FS that delegates to the standard library.
func OS() OsFS { return OsFS{} }

// OsFS implements FS against the local disk.
type OsFS struct{}

var _ FS = OsFS{}

func (OsFS) Stat(p string) (fs.FileInfo, error)       { return os.Stat(p) }
func (OsFS) MkdirAll(p string, m os.FileMode) error   { return os.MkdirAll(p, m) }
func (OsFS) Open(p string) (*os.File, error)          { return os.Open(p) }
func (OsFS) ReadFile(p string) ([]byte, error)        { return os.ReadFile(p) }
func (OsFS) CreateTemp(dir, pat string) (*os.File, error) { return os.CreateTemp(dir, pat) }
func (OsFS) Rename(old, newName string) error         { return os.Rename(old, newName) }
func (OsFS) Remove(p string) error                    { return os.Remove(p) }
func (OsFS) Chmod(p string, m os.FileMode) error      { return os.Chmod(p, m) }

// AtomicWrite persists data to dst so that readers observe either the old
// or the new contents, never a torn write:
//
//  1. temp file in the same directory
//  2. fsync(temp) + close
//  3. chmod(temp, perm)
//  4. rename(temp, dst)
//  5. fsync(dir)
func AtomicWrite(fsys FS, dst string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(dst)
	tmp, err := fsys.CreateTemp(dir, ".baf-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		discard(fsys, tmp.Name())
		return err
	}
	if err = fsys.Chmod(tmp.Name(), perm); err != nil {
		discard(fsys, tmp.Name())
		return err
	}
	if err = fsys.Rename(tmp.Name(), dst); err != nil {
		discard(fsys, tmp.Name())
		return err
	}
	if d, err2 := fsys.Open(dir); err2 == nil {
		if syncErr := d.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to sync directory %s: %v\n", dir, syncErr)
		}
		d.Close()
	}
	return nil
}

func discard(fsys FS, name string) {
	if err := fsys.Remove(name); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to remove temp file %s: %v\n", name, err)
	}
}
