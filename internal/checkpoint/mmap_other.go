//go:build !unix

package checkpoint

import (
	"errors"
	"os"
)

const mmapSupported = false

var errNoMmap = errors.New("mmap not supported on this platform")

func mmapFile(_ *os.File, _ int) ([]byte, error) {
	return nil, errNoMmap
}

func munmapFile(_ []byte) error {
	return errNoMmap
}
