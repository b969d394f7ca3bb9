package sysio

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/hreinecke/md-monitor/domain"
	"github.com/spf13/afero"
)

// Ensure IOnodeFile implements IOnode's interfaces.
var _ domain.IOServiceIface = (*ioFileService)(nil)
var _ domain.IOnodeIface = (*IOnodeFile)(nil)

// ioFileService is the I/O service providing sysfs/procfs attribute access.
// In production it wraps the real host filesystem; in unit tests it wraps an
// afero in-memory filesystem so probes against /sys/block/.../state and
// friends don't require an actual kernel underneath.
type ioFileService struct {
	fsType domain.IOServiceType
	appFs  afero.Fs
}

func newIOFileService(fsType domain.IOServiceType) domain.IOServiceIface {

	var fs = &ioFileService{}

	if fsType == domain.IOMemFileService {
		fs.appFs = afero.NewMemMapFs()
		fs.fsType = domain.IOMemFileService
	} else {
		fs.appFs = afero.NewOsFs()
		fs.fsType = domain.IOOsFileService
	}

	return fs
}

func (s *ioFileService) NewIOnode(
	n string,
	p string,
	mode os.FileMode) domain.IOnodeIface {
	newFile := &IOnodeFile{
		name: n,
		path: p,
		mode: mode,
		fss:  s,
	}

	return newFile
}

// RemoveAllIOnodes wipes the backing filesystem. Utilized exclusively for
// unit-testing purposes (i.e. afero.MemFs).
func (s *ioFileService) RemoveAllIOnodes() error {
	return s.appFs.RemoveAll("/")
}

func (i *ioFileService) GetServiceType() domain.IOServiceType {
	return i.fsType
}

// IOnodeFile is the sysfs/procfs-backed specialization of IOnode.
type IOnodeFile struct {
	name  string
	path  string
	flags int
	mode  os.FileMode
	file  afero.File
	fss   *ioFileService
}

func (i *IOnodeFile) Open() error {

	file, err := i.fss.appFs.OpenFile(i.path, i.flags, i.mode)
	if err != nil {
		return err
	}

	i.file = file

	return nil
}

func (i *IOnodeFile) Read(p []byte) (n int, err error) {

	if i.file == nil {
		return 0, fmt.Errorf("file not currently opened: %s", i.path)
	}

	return i.file.Read(p)
}

func (i *IOnodeFile) Write(p []byte) (n int, err error) {

	if i.file == nil {
		return 0, fmt.Errorf("file not currently opened: %s", i.path)
	}

	return i.file.Write(p)
}

func (i *IOnodeFile) Close() error {

	if i.file == nil {
		return fmt.Errorf("file not currently opened: %s", i.path)
	}

	return i.file.Close()
}

func (i *IOnodeFile) ReadAt(p []byte, off int64) (n int, err error) {

	if i.file == nil {
		return 0, fmt.Errorf("file not currently opened: %s", i.path)
	}

	return i.file.ReadAt(p, off)
}

func (i *IOnodeFile) ReadFile() ([]byte, error) {

	if i.fss.fsType == domain.IOMemFileService {
		return afero.ReadFile(i.fss.appFs, i.path)
	}

	return ioutil.ReadFile(i.path)
}

// ReadLine reads a single line, trimming the trailing newline. sysfs
// attribute files (e.g. "state", "failfast") are always a single line.
func (i *IOnodeFile) ReadLine() (string, error) {

	var res string

	inFile, err := i.fss.appFs.Open(i.path)
	if err != nil {
		return res, err
	}
	defer inFile.Close()

	scanner := bufio.NewScanner(inFile)
	scanner.Split(bufio.ScanLines)
	scanner.Scan()
	res = scanner.Text()

	return res, scanner.Err()
}

func (i *IOnodeFile) WriteFile(p []byte) error {

	if i.fss.fsType == domain.IOMemFileService {
		return afero.WriteFile(i.fss.appFs, i.path, p, 0644)
	}

	return ioutil.WriteFile(i.path, p, i.mode)
}

func (i *IOnodeFile) Stat() (os.FileInfo, error) {
	return i.fss.appFs.Stat(i.path)
}

func (i *IOnodeFile) SeekReset() (int64, error) {

	if i.file == nil {
		return 0, fmt.Errorf("file not currently opened: %s", i.path)
	}

	return i.file.Seek(io.SeekStart, 0)
}

// Remove eliminates a node from a previously created file-system. Utilized
// exclusively for unit-testing purposes (i.e. afero.MemFs).
func (i *IOnodeFile) Remove() error {
	return i.fss.appFs.Remove(i.path)
}

func (i *IOnodeFile) Name() string {
	return i.name
}

func (i *IOnodeFile) Path() string {
	return i.path
}

func (i *IOnodeFile) OpenFlags() int {
	return i.flags
}

func (i *IOnodeFile) OpenMode() os.FileMode {
	return i.mode
}

func (i *IOnodeFile) SetName(s string) {
	i.name = s
}

func (i *IOnodeFile) SetPath(s string) {
	i.path = s
}

func (i *IOnodeFile) SetOpenFlags(flags int) {
	i.flags = flags
}

func (i *IOnodeFile) SetOpenMode(mode os.FileMode) {
	i.mode = mode
}
