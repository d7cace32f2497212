//go:build linux && (amd64 || arm64)

package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const sysfsVideo4Linux = "/sys/class/video4linux"

// Device is an open V4L2 device node. Methods are safe to call from several
// goroutines; the driver serializes ioctls on one file descriptor.
type Device struct {
	path string
	fd   int
}

// Open opens a device node in non-blocking mode.
func Open(path string) (*Device, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Device{path: path, fd: fd}, nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// Close closes the device.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := closeFd(d.fd)
	d.fd = -1
	return err
}

// Poll waits up to timeout for any of the unix.POLL* events. It returns 0 on
// timeout.
func (d *Device) Poll(events int16, timeout time.Duration) (int16, error) {
	return poll(d.fd, events, timeout)
}

// Capability returns the effective device capabilities and identity.
func (d *Device) Capability() (DeviceInfo, error) {
	c := v4l2Capability{}
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return DeviceInfo{}, err
	}
	caps := c.capabilities
	if caps&CapDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	return DeviceInfo{
		DevicePath: d.path,
		DeviceName: cstr(c.card[:]),
		Driver:     cstr(c.driver[:]),
		BusInfo:    cstr(c.busInfo[:]),
		Caps:       caps,
	}, nil
}

// FindDecoders finds all multi-planar memory-to-memory devices that accept a
// compressed format on their OUTPUT queue.
func FindDecoders() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsVideo4Linux)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	logger := slog.With("component", "linuxav")
	var decoders []DeviceInfo

	for _, entry := range entries {
		devicePath := "/dev/" + entry.Name()

		dev, err := Open(devicePath)
		if err != nil {
			logger.Debug("failed to open video device", "path", devicePath, "error", err)
			continue
		}
		info, err := probeDecoder(dev)
		dev.Close()
		if err != nil {
			logger.Debug("not a decoder", "path", devicePath, "error", err)
			continue
		}
		decoders = append(decoders, info)
	}

	return decoders, nil
}

var errNotDecoder = errors.New("no compressed output formats")

// ProbeDecoder opens devicePath and returns its info if it is a decoder.
func ProbeDecoder(devicePath string) (DeviceInfo, error) {
	dev, err := Open(devicePath)
	if err != nil {
		return DeviceInfo{}, err
	}
	defer dev.Close()
	return probeDecoder(dev)
}

func probeDecoder(dev *Device) (DeviceInfo, error) {
	info, err := dev.Capability()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to query device capabilities: %w", err)
	}
	if info.Caps&CapVideoM2MMplane == 0 {
		return DeviceInfo{}, fmt.Errorf("%w: not a multi-planar m2m device", errNotDecoder)
	}

	formats, err := dev.EnumFormats(BufTypeVideoOutputMplane)
	if err != nil {
		return DeviceInfo{}, err
	}
	for _, f := range formats {
		if f.Compressed {
			info.Codecs = append(info.Codecs, f.PixelFormat)
		}
	}
	if len(info.Codecs) == 0 {
		return DeviceInfo{}, errNotDecoder
	}
	return info, nil
}

// FindDecoderFor returns the first decoder accepting pixelFormat.
func FindDecoderFor(pixelFormat uint32) (DeviceInfo, error) {
	decoders, err := FindDecoders()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to find decoders: %w", err)
	}
	for _, d := range decoders {
		for _, c := range d.Codecs {
			if c == pixelFormat {
				return d, nil
			}
		}
	}
	return DeviceInfo{}, fmt.Errorf("no decoder for %s: %w", FormatFourCC(pixelFormat), syscall.ENODEV)
}

// DeviceIndex returns the sysfs index of a /dev/videoN node, or 0.
func DeviceIndex(devicePath string) int {
	return readSysfsInt(filepath.Join(sysfsVideo4Linux, filepath.Base(devicePath), "index"))
}

// readSysfsInt reads an integer value from a sysfs file.
func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return val
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// IsWouldBlock reports whether err is the non-blocking "try again" errno.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}
