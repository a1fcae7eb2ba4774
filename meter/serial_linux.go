//go:build linux

package meter

import (
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

type serial struct {
	f       *os.File
	fd      int
	timeout time.Duration
}

func OpenSerial(c Config) (Source, error) {
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	speed, ok := baudRates[c.Baud]
	if !ok {
		return nil, errors.NotSupportedf("serial baud=%d", c.Baud)
	}
	lf, err := ParseLineFormat(c.Format)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0600)
	if err != nil {
		return nil, errors.Annotate(err, "meter serial open")
	}
	s := &serial{f: f, fd: int(f.Fd()), timeout: c.ReadTimeout}
	if err = resetTermios(s.fd, speed, lf); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "meter serial termios device=%s", c.Device)
	}
	return s, nil
}

func resetTermios(fd int, speed uint32, lf LineFormat) error {
	t := unix.Termios{
		Iflag:  unix.IGNBRK,
		Cflag:  unix.CREAD | unix.CLOCAL | speed,
		Ispeed: speed,
		Ospeed: speed,
	}
	switch lf.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}
	switch lf.Parity {
	case 'E':
		t.Cflag |= unix.PARENB
		t.Iflag |= unix.INPCK | unix.ISTRIP
	case 'O':
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK | unix.ISTRIP
	}
	if lf.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	// reads are bounded by poll in Read
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
}

// Read waits at most read timeout for data. Silence is a transport fault:
// meter sends telegram every 1-10 seconds.
func (s *serial) Read(p []byte) (int, error) {
	if err := s.waitRead(); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, errors.Annotate(err, "meter serial read")
		case n == 0:
			// hangup
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *serial) waitRead() error {
	deadline := time.Now().Add(s.timeout)
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return errors.Timeoutf("meter serial read %v", s.timeout)
		}
		n, err := unix.Poll(fds, int(left/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Annotate(err, "meter serial poll")
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
				return io.EOF
			}
			return nil
		}
	}
}

func (s *serial) Close() error { return s.f.Close() }
