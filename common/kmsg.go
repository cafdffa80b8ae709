package common

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/talos-systems/go-kmsg"
	"golang.org/x/sys/unix"
)

// KernelLog writes log lines to the kernel ring buffer. Records go through
// kmsg.Writer, which writes one record per line and truncates lines to
// kmsg.MaxLineLength so the kernel does not reject them.
//
// The device is opened on first use and retried on every write until it opens:
// in the initramfs /dev may only appear once the boot has mounted devtmpfs.
// Lines written before that are dropped.
type KernelLog struct {
	path string

	mu      sync.Mutex
	f       *os.File
	w       io.Writer
	openErr error
}

// NewKernelLog returns a KernelLog for the device at path and tries to open it.
func NewKernelLog(path string) *KernelLog {
	k := &KernelLog{path: path}
	k.mu.Lock()
	k.open()
	k.mu.Unlock()
	return k
}

func (k *KernelLog) open() {
	f, err := os.OpenFile(k.path, os.O_WRONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		k.openErr = fmt.Errorf("could not open %s: %w", k.path, err)
		return
	}
	k.f = f
	k.w = &kmsg.Writer{KmsgWriter: f}
	k.openErr = nil
}

// Err returns why the device is not open yet, nil once it is.
func (k *KernelLog) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.openErr
}

// Write implements io.Writer.
func (k *KernelLog) Write(p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.w == nil {
		k.open()
		if k.w == nil {
			return len(p), nil
		}
	}
	if _, err := k.w.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the device. Later writes reopen it.
func (k *KernelLog) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.f == nil {
		return nil
	}
	err := k.f.Close()
	k.f, k.w = nil, nil
	return err
}
