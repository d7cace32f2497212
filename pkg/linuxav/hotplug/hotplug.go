//go:build linux

// Package hotplug reports kernel device add and remove events by reading
// kobject uevents from a netlink socket. It needs neither cgo nor udevd.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Event actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
)

// SubsystemVideo4Linux is the subsystem of /dev/video* nodes.
const SubsystemVideo4Linux = "video4linux"

const (
	netlinkKobjectUEvent = 15
	kernelGroup          = 1
	recvTimeout          = time.Second
)

// Event is one kernel uevent.
type Event struct {
	Action    string
	KObj      string // sysfs path below /sys
	Subsystem string
	DevName   string // node name, usually relative to /dev
	Env       map[string]string
}

// Node returns the /dev path of the event's device node, or "".
func (e Event) Node() string {
	switch {
	case e.DevName == "":
		return ""
	case strings.HasPrefix(e.DevName, "/"):
		return e.DevName
	}
	return path.Join("/dev", e.DevName)
}

// Monitor receives uevents for a set of subsystems.
type Monitor struct {
	fd         int
	subsystems map[string]bool
}

// NewMonitor opens the uevent socket. With no subsystems every event is
// reported.
func NewMonitor(subsystems ...string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, netlinkKobjectUEvent)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}

	m := &Monitor{fd: fd, subsystems: make(map[string]bool)}
	for _, s := range subsystems {
		m.subsystems[s] = true
	}
	return m, nil
}

// Close releases the socket.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run calls fn for every matching event until ctx is done. The socket read
// times out every second so cancellation is noticed.
func (m *Monitor) Run(ctx context.Context, fn func(Event)) error {
	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return err
		}

		ev, ok := ParseUEvent(buf[:n])
		if !ok {
			continue
		}
		if len(m.subsystems) > 0 && !m.subsystems[ev.Subsystem] {
			continue
		}
		fn(ev)
	}
	return ctx.Err()
}

var libudevMagic = []byte("libudev\x00")

// ParseUEvent decodes "ACTION@KOBJ\0KEY=VALUE\0...". Messages rebroadcast
// by udevd carry a binary header, which is skipped.
func ParseUEvent(data []byte) (Event, bool) {
	if bytes.HasPrefix(data, libudevMagic) {
		i := bytes.Index(data[len(libudevMagic):], []byte("ACTION="))
		if i < 0 {
			return Event{}, false
		}
		return parseFields(data[len(libudevMagic)+i:], Event{})
	}

	head, rest, _ := bytes.Cut(data, []byte{0})
	action, kobj, ok := bytes.Cut(head, []byte("@"))
	if !ok || len(action) == 0 {
		return Event{}, false
	}
	return parseFields(rest, Event{Action: string(action), KObj: string(kobj)})
}

func parseFields(data []byte, ev Event) (Event, bool) {
	ev.Env = make(map[string]string)
	for field := range bytes.SplitSeq(data, []byte{0}) {
		key, value, ok := bytes.Cut(field, []byte("="))
		if !ok || len(key) == 0 {
			continue
		}
		k, v := string(key), string(value)
		ev.Env[k] = v
		switch k {
		case "ACTION":
			ev.Action = v
		case "DEVPATH":
			ev.KObj = v
		case "SUBSYSTEM":
			ev.Subsystem = v
		case "DEVNAME":
			ev.DevName = v
		}
	}
	return ev, ev.Action != ""
}
