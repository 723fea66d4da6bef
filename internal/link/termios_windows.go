//go:build windows

package link

// applyLineControl is a no-op on windows: termios/TIOCM ioctls don't
// apply there, and the XonXoff, RtsCts and DtrDsr settings are not
// applied to the port.
func applyLineControl(p port, params Params) {}
