package adu208

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Simulator emulates an ADU208 board in memory. It implements Opener, every
// Conn it hands out talks to the same board state.
type Simulator struct {
	mu        sync.Mutex
	outputs   int
	inputs    int
	counters  [NumChannels]int
	debounce  DebounceTime
	unplugged bool
	reply     []byte
	opens     int
}

var errUnplugged = errors.New("simulated device unplugged")

func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) Open() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unplugged {
		return nil, errUnplugged
	}
	s.opens++
	return &simConn{sim: s}, nil
}

func (s *Simulator) String() string {
	return "simulator"
}

// Unplug makes open and transfer calls fail until the board is plugged back.
func (s *Simulator) Unplug(unplugged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = unplugged
}

func (s *Simulator) SetInputs(mask int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = mask
}

// Pulse adds n transitions to the event counter of channel.
func (s *Simulator) Pulse(channel, n int) {
	checkChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[channel] += n
}

func (s *Simulator) Outputs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

func (s *Simulator) Debounce() DebounceTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debounce
}

func (s *Simulator) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Simulator) execute(cmd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unplugged {
		return errUnplugged
	}
	if len(cmd) < 3 || cmd[0] != controlByte {
		return errors.Errorf("simulator: bad command %s", printable(cmd))
	}

	arg := 0
	if len(cmd) > 3 {
		var err error
		arg, err = strconv.Atoi(string(cmd[3:]))
		if err != nil {
			return errors.Wrapf(err, "simulator: bad argument in %s", printable(cmd))
		}
	}

	switch string(cmd[1:3]) {
	case cmdSetOutputs:
		s.outputs = arg
	case cmdPollInputs:
		s.setReply(s.inputs)
	case cmdReadCounter:
		if arg < 0 || arg >= NumChannels {
			return errors.Errorf("simulator: channel %d out of range", arg)
		}
		s.setReply(s.counters[arg])
	case cmdReadResetCounter:
		if arg < 0 || arg >= NumChannels {
			return errors.Errorf("simulator: channel %d out of range", arg)
		}
		s.setReply(s.counters[arg])
		s.counters[arg] = 0
	case cmdDebounce:
		s.debounce = DebounceTime(arg)
	default:
		return errors.Errorf("simulator: unknown command %s", printable(cmd))
	}
	return nil
}

func (s *Simulator) setReply(v int) {
	s.reply = append([]byte{controlByte}, strconv.Itoa(v)...)
	s.reply = append(s.reply, 0)
}

func (s *Simulator) read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unplugged {
		return 0, errUnplugged
	}
	if s.reply == nil {
		return 0, errors.New("simulator: no reply pending")
	}
	n := copy(p, s.reply)
	s.reply = nil
	return n, nil
}

type simConn struct {
	sim    *Simulator
	closed bool
}

func (sc *simConn) Write(p []byte) (int, error) {
	if sc.closed {
		return 0, errors.New("simulator: write on closed connection")
	}
	if err := sc.sim.execute(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (sc *simConn) Read(p []byte) (int, error) {
	if sc.closed {
		return 0, errors.New("simulator: read on closed connection")
	}
	return sc.sim.read(p)
}

func (sc *simConn) Close() error {
	sc.closed = true
	return nil
}
