package stl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/units"
	"github.com/spf13/afero"
)

// WriteFile encodes mesh into path, replacing any existing file.
func WriteFile(fs afero.Fs, path string, mesh *kernel.Mesh, source, target units.System) (EncodeResult, error) {
	f, err := fs.Create(path)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("stl: create %s: %w", path, err)
	}
	res, err := Encode(f, mesh, source, target)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("stl: close %s: %w", path, cerr)
	}
	return res, err
}

// ReadFile decodes the STL file at path.
func ReadFile(fs afero.Fs, path string) (*kernel.Mesh, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stl: open %s: %w", path, err)
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Info describes an STL file without decoding its geometry.
type Info struct {
	Header    string
	Triangles uint32
	Size      int64
	// Complete is true when Size matches the declared triangle count.
	Complete bool
}

// Stat reads the header and count of the STL file at path.
func Stat(fs afero.Fs, path string) (*Info, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stl: open %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stl: stat %s: %w", path, err)
	}

	buf := make([]byte, HeaderSize+countSize)
	if n, err := io.ReadFull(f, buf); err != nil {
		return nil, shortRead(err, int64(n), len(buf), "header")
	}
	count := binary.LittleEndian.Uint32(buf[HeaderSize:])
	want := int64(HeaderSize+countSize) + int64(count)*TriangleSize
	return &Info{
		Header:    string(bytes.TrimRight(buf[:HeaderSize], "\x00 ")),
		Triangles: count,
		Size:      st.Size(),
		Complete:  st.Size() == want,
	}, nil
}
