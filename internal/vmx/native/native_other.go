//go:build !amd64

package native

import "github.com/tinyrange/vtx/internal/vmx"

func New() (vmx.Processor, error) { return nil, ErrUnsupportedArch }
