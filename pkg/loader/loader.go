// Package loader maps 32-bit ARM Mach-O images into guest memory.
package loader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
)

// ErrorKind classifies a LoadError.
type ErrorKind uint8

const (
	Malformed ErrorKind = iota
	Unsupported
	ArchMismatch
	Encrypted
	Overlap
	DependencyCycle
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Unsupported:
		return "unsupported"
	case ArchMismatch:
		return "architecture mismatch"
	case Encrypted:
		return "encrypted"
	case Overlap:
		return "overlapping image"
	case DependencyCycle:
		return "dependency cycle"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// A LoadError aborts a launch before any guest code runs.
type LoadError struct {
	Path string
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadError(path string, kind ErrorKind, format string, args ...any) *LoadError {
	return &LoadError{Path: path, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// An Image is a parsed, validated and still unmapped binary.
type Image struct {
	Name string
	Path string
	ID   string // install name of a dylib
	File *macho.File

	locRelocs []types.Reloc
	extRelocs []types.Reloc
	closer    io.Closer
}

// Parse opens and validates the Mach-O at path.
func Parse(path string) (*Image, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Kind: Malformed, Err: err}
	}
	img, err := ParseReader(path, fd)
	if err != nil {
		fd.Close()
		return nil, err
	}
	img.closer = fd
	return img, nil
}

// ParseReader validates an image read from r. name is used in diagnostics.
func ParseReader(name string, r io.ReaderAt) (*Image, error) {
	f, err := openSlice(r)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = name
			return nil, le
		}
		return nil, &LoadError{Path: name, Kind: Malformed, Err: err}
	}
	return newImage(name, f)
}

func newImage(path string, f *macho.File) (*Image, error) {
	img := &Image{Name: filepath.Base(path), Path: path, File: f}
	if id := f.DylibID(); id != nil {
		img.ID = id.Name
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if dt := f.Dysymtab; dt != nil {
		var err error
		if img.locRelocs, err = readRelocs(f, dt.Locreloff, dt.Nlocrel); err != nil {
			return nil, loadError(path, Malformed, "local relocations: %v", err)
		}
		if img.extRelocs, err = readRelocs(f, dt.Extreloff, dt.Nextrel); err != nil {
			return nil, loadError(path, Malformed, "external relocations: %v", err)
		}
	}
	return img, nil
}

// Validate rejects images the core cannot run. Every failure is fatal.
func (i *Image) Validate() error {
	f := i.File
	if f.Magic != types.Magic32 || f.CPU != types.CPUArm {
		return loadError(i.Path, ArchMismatch, "cpu %s is not 32-bit ARM", f.CPU)
	}
	switch f.Type {
	case types.MH_EXECUTE, types.MH_DYLIB, types.MH_BUNDLE:
	default:
		return loadError(i.Path, Unsupported, "file type %s", f.Type)
	}
	if enc := encryptionInfo(f); enc != nil && enc.CryptID != types.NOT_ENCRYPTED_YET {
		return loadError(i.Path, Encrypted, "cryptid %d covers %#x bytes at %#x", enc.CryptID, enc.Size, enc.Offset)
	}
	if len(f.Segments()) == 0 {
		return loadError(i.Path, Malformed, "no segments")
	}
	if f.Type == types.MH_EXECUTE && entryPoint(f) == nil && threadState(f) == nil {
		return loadError(i.Path, Malformed, "executable has no entry point")
	}
	for _, s := range f.Sections {
		if s.Nreloc > 0 {
			return loadError(i.Path, Unsupported, "section relocations in %s.%s", s.Seg, s.Name)
		}
	}
	return nil
}

// MinOS returns the minimum iOS version the image was built for, or nil.
func (i *Image) MinOS() *version.Version {
	vm := i.File.VersionMin()
	if vm == nil {
		return nil
	}
	v, err := version.NewVersion(vm.Version.String())
	if err != nil {
		return nil
	}
	return v
}

// Slid reports whether the image is mapped at a load bias.
func (i *Image) Slid() bool {
	return i.File.Flags.PIE() || i.File.Type != types.MH_EXECUTE
}

// Close releases the underlying file.
func (i *Image) Close() error {
	if i.closer == nil {
		return nil
	}
	err := i.closer.Close()
	i.closer = nil
	return errors.Wrapf(err, "failed to close %s", i.Path)
}
