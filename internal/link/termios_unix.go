//go:build !windows

package link

import (
	"os"

	"golang.org/x/sys/unix"
)

// applyLineControl toggles software (XON/XOFF) and hardware (RTS/CTS)
// flow control, and an initial DTR line level, via termios/TIOCM
// ioctls that go-serial's OpenOptions doesn't expose (§3's xon_xoff/
// rts_cts/dtr_dsr device fields). p is only ever a real serial port's
// *os.File in production; test fakes don't implement Fd() and are
// silently skipped. Ioctl failures are non-fatal — plenty of USB-serial
// adapters and virtual ports simply don't support one or another of
// these controls.
func applyLineControl(p port, params Params) {
	f, ok := p.(*os.File)
	if !ok {
		return
	}
	fd := int(f.Fd())

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err == nil {
		if params.XonXoff {
			t.Iflag |= unix.IXON | unix.IXOFF
		} else {
			t.Iflag &^= unix.IXON | unix.IXOFF
		}
		if params.RtsCts {
			t.Cflag |= unix.CRTSCTS
		} else {
			t.Cflag &^= unix.CRTSCTS
		}
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, t)
	}

	if params.DtrDsr {
		_ = unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, unix.TIOCM_DTR)
	} else {
		_ = unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, unix.TIOCM_DTR)
	}
}
