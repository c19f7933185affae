// Package ptyalloc allocates the PTY pair each link proxy hands to
// operator tools (picocom, getty) and manages the stable symlink those
// tools are configured to open, per spec.md §4.2.
package ptyalloc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Pair is an allocated PTY master/slave pair with its published symlink.
type Pair struct {
	Master *os.File
	Slave  *os.File

	// SlaveName is the kernel-assigned slave path (e.g. /dev/pts/4).
	SlaveName string

	// SymlinkPath is the stable name operator tools are told to open
	// (/dev/V<prefix><LinkId>).
	SymlinkPath string
}

// Open allocates a PTY pair, puts the slave side into raw mode at baud so
// it looks like a conventional serial device to anything that opens it,
// and publishes symlinkPath -> slave atomically.
func Open(symlinkPath string, baud int) (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("ptyalloc: open pty: %w", err)
	}

	if err := setRaw(slave, baud); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("ptyalloc: raw-configure slave %s: %w", slave.Name(), err)
	}

	if err := publishSymlink(symlinkPath, slave.Name()); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	return &Pair{
		Master:      master,
		Slave:       slave,
		SlaveName:   slave.Name(),
		SymlinkPath: symlinkPath,
	}, nil
}

// Close closes both ends of the pair and removes the symlink.
func (p *Pair) Close() error {
	var masterErr, slaveErr error
	if p.Master != nil {
		masterErr = p.Master.Close()
	}
	if p.Slave != nil {
		slaveErr = p.Slave.Close()
	}
	os.Remove(p.SymlinkPath)
	if masterErr != nil {
		return masterErr
	}
	return slaveErr
}

// publishSymlink creates symlinkPath -> target by writing a temp name and
// renaming it into place, per spec.md §9: concurrent operator tools must
// never observe a missing target during a restart.
func publishSymlink(symlinkPath, target string) error {
	dir := filepath.Dir(symlinkPath)
	tmp, err := os.CreateTemp(dir, ".symlink-*")
	if err != nil {
		return fmt.Errorf("ptyalloc: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // Symlink requires the name not exist yet.

	if err := os.Symlink(target, tmpPath); err != nil {
		return fmt.Errorf("ptyalloc: symlink %s -> %s: %w", tmpPath, target, err)
	}
	if err := os.Rename(tmpPath, symlinkPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ptyalloc: rename %s -> %s: %w", tmpPath, symlinkPath, err)
	}
	return nil
}

// setRaw puts f (expected to be a PTY slave) into 8N1 raw mode: no
// canonical processing, no echo, no input/output mapping, no flow control,
// at the given baud.
func setRaw(f *os.File, baud int) error {
	fd := int(f.Fd())

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	rate, ok := baudConstants[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	termios.Ispeed = rate
	termios.Ospeed = rate

	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}

var baudConstants = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}
