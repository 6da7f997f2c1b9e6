// Package loader copies raw flat guest images into guest-physical memory.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/vtx/internal/hv"
)

var (
	ErrEmptyImage    = errors.New("loader: image is empty")
	ErrImageTooLarge = errors.New("loader: image does not fit")
)

type options struct {
	progress func(size int64) io.Writer
	limit    uint64
}

type Option func(*options)

// WithProgress mirrors every byte copied into the writer newWriter returns
// for the image size.
func WithProgress(newWriter func(size int64) io.Writer) Option {
	return func(o *options) { o.progress = newWriter }
}

// WithLimit rejects images larger than n bytes before touching guest
// memory.
func WithLimit(n uint64) Option {
	return func(o *options) { o.limit = n }
}

// Image describes what Load placed in guest memory.
type Image struct {
	Path string
	Addr uint64
	Size uint64
}

func (i Image) End() uint64 { return i.Addr + i.Size }

// Load copies the file at path verbatim into mem at addr.
func Load(path string, mem hv.GuestMemory, addr uint64, opts ...Option) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("loader: open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Image{}, fmt.Errorf("loader: stat image: %w", err)
	}
	img, err := load(f, info.Size(), mem, addr, opts)
	img.Path = path
	return img, err
}

// LoadBytes copies data into mem at addr.
func LoadBytes(data []byte, mem hv.GuestMemory, addr uint64, opts ...Option) (Image, error) {
	return load(bytes.NewReader(data), int64(len(data)), mem, addr, opts)
}

func load(r io.Reader, size int64, mem hv.GuestMemory, addr uint64, opts []Option) (Image, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	img := Image{Addr: addr, Size: uint64(size)}
	if size <= 0 {
		return img, ErrEmptyImage
	}
	if o.limit != 0 && uint64(size) > o.limit {
		return img, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrImageTooLarge, size, o.limit)
	}
	if addr+uint64(size) < addr {
		return img, fmt.Errorf("%w: [%#x, +%#x) wraps", ErrImageTooLarge, addr, size)
	}

	var w io.Writer = io.NewOffsetWriter(mem, int64(addr))
	if o.progress != nil {
		if p := o.progress(size); p != nil {
			if c, ok := p.(io.Closer); ok {
				defer c.Close()
			}
			w = io.MultiWriter(w, p)
		}
	}

	n, err := io.Copy(w, io.LimitReader(r, size))
	if err != nil {
		if errors.Is(err, hv.ErrUnresolvedFault) || errors.Is(err, hv.ErrOutOfRange) {
			return img, fmt.Errorf("%w: guest memory ends after %#x: %v", ErrImageTooLarge, addr+uint64(n), err)
		}
		return img, fmt.Errorf("loader: copy image: %w", err)
	}
	if n != size {
		return img, fmt.Errorf("loader: short image read: %d of %d bytes", n, size)
	}
	return img, nil
}

// ReadFile returns the whole image, for callers that need the bytes
// themselves.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return data, nil
}
