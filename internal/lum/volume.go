package lum

import (
	"os"

	"github.com/OznOg/exanodes-lum/internal/wire"
)

// AccessMode selects how Opener.Open maps an export's readonly bit onto
// the underlying volume.
type AccessMode int

const (
	ReadWrite AccessMode = iota
	ReadOnly
)

// Volume is the consumed block-device surface: open/close,
// ReadAt/WriteAt/Sync for I/O, and the device's current sector count.
// The cluster volume store providing real volumes lives outside this
// module.
type Volume interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	SectorCount() uint64
	Close() error
}

// Opener is the boundary to the external volume store. A concrete
// implementation normally talks to the cluster's virtualizer; FileOpener
// below is a file-backed stand-in so the executive is runnable and
// testable without that external collaborator.
type Opener interface {
	Open(uuid wire.UUID, mode AccessMode) (Volume, error)
}

// ReadaheadSetter is an optional capability an Opener's volumes may
// support; only block-device exports ever use it.
type ReadaheadSetter interface {
	SetReadahead(v Volume, value int) error
}

const sectorSize = 512

// fileVolume backs a Volume with a single local file, sized in 512-byte
// sectors.
type fileVolume struct {
	f       *os.File
	sectors uint64
}

// FileOpener maps an export UUID to a path under Dir and opens it,
// creating the file (sized at DefaultSectors sectors, or one sector when
// that is zero) if it does not already exist and the volume is not opened
// read-only. This is not a cluster volume store;
// it exists so `export`/`unexport`/`resize` are exercisable against a real
// io.ReaderAt/WriterAt without the out-of-scope VRT collaborator.
type FileOpener struct {
	Dir string
	// DefaultSectors sizes a newly created backing file when none exists
	// yet (a real VRT volume is always pre-sized; this stand-in isn't).
	DefaultSectors uint64
}

func (o *FileOpener) pathFor(uuid wire.UUID) string {
	return o.Dir + "/" + uuid.String()
}

// Open implements Opener.
func (o *FileOpener) Open(uuid wire.UUID, mode AccessMode) (Volume, error) {
	flags := os.O_RDWR
	if mode == ReadOnly {
		flags = os.O_RDONLY
	}
	path := o.pathFor(uuid)
	f, err := os.OpenFile(path, flags, 0)
	if os.IsNotExist(err) && mode != ReadOnly {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err == nil {
			size := o.DefaultSectors
			if size == 0 {
				size = 1
			}
			err = f.Truncate(int64(size) * sectorSize)
		}
	}
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileVolume{f: f, sectors: uint64(fi.Size()) / sectorSize}, nil
}

// SetReadahead implements ReadaheadSetter; readahead has no effect on a
// plain file and is accepted as a no-op.
func (o *FileOpener) SetReadahead(v Volume, value int) error {
	return nil
}

func (v *fileVolume) ReadAt(p []byte, off int64) (int, error)  { return v.f.ReadAt(p, off) }
func (v *fileVolume) WriteAt(p []byte, off int64) (int, error) { return v.f.WriteAt(p, off) }
func (v *fileVolume) Sync() error                              { return v.f.Sync() }
func (v *fileVolume) SectorCount() uint64                      { return v.sectors }
func (v *fileVolume) Close() error                             { return v.f.Close() }

var _ Opener = (*FileOpener)(nil)
