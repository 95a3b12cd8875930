package adu208

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const controlByte = 0x01
const replyBufferSize = 8

const (
	cmdSetOutputs       = "MK"
	cmdPollInputs       = "PI"
	cmdReadCounter      = "RE"
	cmdReadResetCounter = "RC"
	cmdDebounce         = "DB"
)

var ErrMalformedReply = errors.New("malformed reply")

// DebounceTime selects the hardware filter applied to the event counters.
type DebounceTime int

const (
	Debounce10ms  DebounceTime = 0
	Debounce1ms   DebounceTime = 1
	Debounce100us DebounceTime = 2
)

func (dt DebounceTime) String() string {
	switch dt {
	case Debounce10ms:
		return "10ms"
	case Debounce1ms:
		return "1ms"
	case Debounce100us:
		return "100us"
	}
	return "DebounceTime(" + strconv.Itoa(int(dt)) + ")"
}

// ParseDebounceTime accepts the filter length ("10ms", "1ms", "100us") or
// its speed alias ("slow", "medium", "fast").
func ParseDebounceTime(s string) (DebounceTime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "10ms", "slow":
		return Debounce10ms, nil
	case "1ms", "medium":
		return Debounce1ms, nil
	case "100us", "fast":
		return Debounce100us, nil
	}
	return 0, errors.Errorf("unknown debounce time %q", s)
}

// command builds a wire command: control byte, mnemonic, decimal argument.
// DB carries only the debounce code, the board applies it without a
// channel number.
func command(mnemonic string, args ...int) []byte {
	cmd := []byte{controlByte}
	cmd = append(cmd, mnemonic...)
	for _, arg := range args {
		cmd = strconv.AppendInt(cmd, int64(arg), 10)
	}
	return cmd
}

// parseReply decodes a report read from the device. The first byte is a
// frame byte, the payload ends at the first NUL.
func parseReply(frame []byte) (int, error) {
	if len(frame) < 2 {
		return 0, errors.Wrapf(ErrMalformedReply, "short frame (%d bytes)", len(frame))
	}
	payload := frame[1:]
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	v, err := strconv.Atoi(string(payload))
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedReply, "%q is not a number", payload)
	}
	return v, nil
}

func printable(cmd []byte) string {
	return strconv.Quote(string(cmd))
}
