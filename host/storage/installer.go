package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"picoswitch/host/device"
)

// Installer copies a firmware image onto a bootloader volume
type Installer struct {
	log logr.Logger

	// Swapped in tests
	freeSpace func(dir string) (uint64, error)
	create    func(name string) (io.WriteCloser, error)
	syncAll   func()
}

// NewInstaller creates an installer backed by the real filesystem
func NewInstaller(log logr.Logger) *Installer {
	return &Installer{
		log:       log.WithName("installer"),
		freeSpace: freeSpace,
		create:    createFile,
		syncAll:   syncFilesystems,
	}
}

func createFile(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// syncer is implemented by *os.File
type syncer interface {
	Sync() error
}

// Install writes img to the volume and forces it to disk. The final name is
// written directly: the bootloader flashes blocks as they arrive and reboots
// once the image is complete, so a rename step would race the reboot. On any
// failure the partial file is removed. Returns the number of bytes written.
func (i *Installer) Install(ctx context.Context, h *Handle, img device.Image) (int64, error) {
	if err := img.Validate(); err != nil {
		return 0, err
	}
	if h == nil || h.MountPoint == "" {
		return 0, fmt.Errorf("%w: volume is not mounted", device.ErrCopyFailed)
	}

	src, err := os.Open(img.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", device.ErrMisuse, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", device.ErrMisuse, err)
	}
	size := info.Size()

	free, err := i.freeSpace(h.MountPoint)
	if err != nil {
		return 0, fmt.Errorf("%w: statfs %s: %v", device.ErrCopyFailed, h.MountPoint, err)
	}
	if free < uint64(size) {
		return 0, fmt.Errorf("copying %s: %w", img.Name(), &device.NoSpaceError{Need: uint64(size), Free: free})
	}

	dst := filepath.Join(h.MountPoint, img.Name())
	i.log.Info("copying image", "image", img.Path, "size", humanize.IBytes(uint64(size)), "dest", dst)
	start := time.Now()

	written, err := i.write(ctx, dst, src, size)
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			// Expected when the volume already vanished
			i.log.V(1).Info("removing partial image failed", "path", dst, "error", rmErr.Error())
		}
		return written, err
	}

	i.syncAll()
	i.log.Info("image written", "bytes", humanize.IBytes(uint64(written)), "elapsed", time.Since(start))
	return written, nil
}

func (i *Installer) write(ctx context.Context, dst string, src io.Reader, size int64) (int64, error) {
	out, err := i.create(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", device.ErrCopyFailed, err)
	}

	written, err := io.Copy(out, &ctxReader{ctx: ctx, r: src})
	if err == nil && written != size {
		err = fmt.Errorf("short copy: %d of %d bytes", written, size)
	}
	if err == nil {
		if s, ok := out.(syncer); ok {
			if serr := s.Sync(); serr != nil {
				err = fmt.Errorf("fsync: %w", serr)
			}
		}
	}
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close: %w", cerr)
	}
	if err != nil {
		return written, fmt.Errorf("%w: %s: %w", device.ErrCopyFailed, dst, err)
	}
	return written, nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
