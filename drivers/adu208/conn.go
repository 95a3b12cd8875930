package adu208

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

const deviceNamePrefix = "/dev/adutux"

// Conn is an open duplex channel to the board. Calls block until the
// device (or its kernel driver) answers.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Opener opens a new Conn. The dispatcher holds at most one open Conn.
type Opener interface {
	Open() (Conn, error)
}

type OpenerFunc func() (Conn, error)

func (f OpenerFunc) Open() (Conn, error) {
	return f()
}

// DeviceName returns the adutux special file for the given device number.
func DeviceName(number int) string {
	return fmt.Sprintf("%s%d", deviceNamePrefix, number)
}

// DeviceFile opens a special file exposed by the adutux kernel module.
type DeviceFile string

func (df DeviceFile) Open() (Conn, error) {
	f, err := os.OpenFile(string(df), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", string(df))
	}
	return f, nil
}

func (df DeviceFile) String() string {
	return string(df)
}
