package pumpz

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fifoPerm is masked by the process umask, like any newly created file.
const fifoPerm = 0o666

// EnsureFIFO creates a named pipe at path if none exists. An existing FIFO
// is reused as-is; an existing file of any other type is ErrNotFIFO.
// The FIFO is never removed here: its lifecycle belongs to the deployment.
func EnsureFIFO(path string) error {
	err := unix.Mkfifo(path, fifoPerm)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return &TransportError{Op: "mkfifo", Path: path, Err: err, Fatal: true}
	}

	info, err := os.Stat(path)
	if err != nil {
		return &TransportError{Op: "stat", Path: path, Err: err, Fatal: true}
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return &TransportError{Op: "mkfifo", Path: path, Err: ErrNotFIFO, Fatal: true}
	}
	return nil
}
