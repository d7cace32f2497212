//go:build linux && (amd64 || arm64)

package v4l2

import (
	"errors"
	"syscall"
	"unsafe"
)

// ErrEventsNotSupported is returned when the device doesn't support V4L2 events.
var ErrEventsNotSupported = syscall.ENOTSUP

// SubscribeEvent subscribes to an event type.
func (d *Device) SubscribeEvent(typ uint32) error {
	sub := v4l2EventSubscription{typ: typ}
	if err := ioctl(d.fd, vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		if errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) {
			return ErrEventsNotSupported
		}
		return err
	}
	return nil
}

// UnsubscribeEvent removes a subscription.
func (d *Device) UnsubscribeEvent(typ uint32) error {
	sub := v4l2EventSubscription{typ: typ}
	return ioctl(d.fd, vidiocUnsubscribeEvent, unsafe.Pointer(&sub))
}

// DequeueEvent takes the next pending event. Poll for unix.POLLPRI first;
// with nothing pending the driver returns ENOENT.
func (d *Device) DequeueEvent() (Event, error) {
	ev := v4l2Event{}
	if err := ioctl(d.fd, vidiocDqevent, unsafe.Pointer(&ev)); err != nil {
		return Event{}, err
	}
	out := Event{Type: ev.typ, Pending: ev.pending, Sequence: ev.sequence}
	if ev.typ == EventSourceChange {
		out.Changes = ev.srcChangeChanges()
	}
	return out, nil
}

// GetControl reads a control value.
func (d *Device) GetControl(id uint32) (int32, error) {
	c := v4l2Control{id: id}
	if err := ioctl(d.fd, vidiocGCtrl, unsafe.Pointer(&c)); err != nil {
		return 0, err
	}
	return c.value, nil
}

// SetControl writes a control value.
func (d *Device) SetControl(id uint32, value int32) error {
	c := v4l2Control{id: id, value: value}
	return ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&c))
}

// DecoderCommand issues a decoder command such as DecCmdStop.
func (d *Device) DecoderCommand(cmd uint32) error {
	c := v4l2DecoderCmd{cmd: cmd}
	return ioctl(d.fd, vidiocDecoderCmd, unsafe.Pointer(&c))
}
