package domain

import "os"

// IOServiceType picks the backing filesystem: the real host FS in
// production, or an in-memory afero FS in unit tests.
type IOServiceType = int

const (
	Unknown          IOServiceType = iota
	IOOsFileService                // production
	IOMemFileService               // unit-testing
)

// IOServiceIface creates IOnodes. sysfs attribute files (treated as a typed
// key/value store on a device handle per §1) are read and written through
// this seam so tests can substitute an in-memory filesystem.
type IOServiceIface interface {
	NewIOnode(n string, p string, attr os.FileMode) IOnodeIface
	RemoveAllIOnodes() error
	GetServiceType() IOServiceType
}

// IOnodeIface is a thin handle over one sysfs/procfs attribute file.
type IOnodeIface interface {
	Open() error
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	ReadAt(p []byte, off int64) (n int, err error)
	ReadFile() ([]byte, error)
	ReadLine() (string, error)
	WriteFile(p []byte) error
	Stat() (os.FileInfo, error)
	SeekReset() (int64, error)
	Remove() error

	Name() string
	Path() string
	OpenFlags() int
	OpenMode() os.FileMode
	SetPath(s string)
	SetOpenFlags(flags int)
	SetOpenMode(mode os.FileMode)
}
