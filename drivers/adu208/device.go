// Package adu208 controls an Ontrak ADU208 relay and input board through the
// adutux kernel driver.
//
// Callers never wait for the board: requests only record what is wanted and
// wake a single dispatcher goroutine, getters return the last value the
// dispatcher parsed. The dispatcher retries every request until the board
// answers, reopening the device with a fixed backoff after failures.
package adu208

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
)

// NumChannels is the number of digital inputs, each with an event counter.
const NumChannels = 8

const defaultReconnectInterval = 1000 * time.Millisecond
const defaultRetryInterval = 50 * time.Millisecond

type counterSlot struct {
	read      bool
	readReset bool
	value     value.Maybe[int]
	debounce  value.Maybe[DebounceTime]
}

func (cs *counterSlot) requested(reset bool) bool {
	if reset {
		return cs.readReset
	}
	return cs.read
}

// Device is the request front end of one board. A Device is safe for
// concurrent use by any number of goroutines.
type Device struct {
	name          string
	opener        Opener
	logger        *log.Logger
	metrics       *deviceMetrics
	now           func() time.Time
	retryInterval time.Duration

	mu          sync.Mutex
	outputs     value.Maybe[int]
	inputs      value.Maybe[int]
	counters    [NumChannels]counterSlot
	connected   bool
	lastContact time.Time

	wake chan struct{}

	// Owned by the dispatcher goroutine.
	conn      Conn
	reconnect *passiveTimer

	cancel   context.CancelFunc
	tasks    *taskgroup.Group
	stopOnce sync.Once
}

type Option func(*Device)

func WithLogger(logger *log.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithReconnectInterval sets the minimum delay between open attempts after a
// failed one.
func WithReconnectInterval(interval time.Duration) Option {
	return func(d *Device) { d.reconnect.interval = interval }
}

// WithRetryInterval sets the pause between passes while requests stay
// unanswered on an open device.
func WithRetryInterval(interval time.Duration) Option {
	return func(d *Device) { d.retryInterval = interval }
}

func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		d.now = now
		d.reconnect.now = now
		d.reconnect.forceExpire()
	}
}

func newDevice(opener Opener, opts ...Option) *Device {
	d := &Device{
		name:          fmt.Sprint(opener),
		opener:        opener,
		metrics:       newDeviceMetrics(),
		now:           time.Now,
		retryInterval: defaultRetryInterval,
		wake:          make(chan struct{}, 1),
	}
	d.reconnect = newPassiveTimer(defaultReconnectInterval, d.now)
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "adu208: ",
			Level:  log.GetLevel(),
		})
	}
	d.logger = d.logger.With("device", d.name)
	return d
}

// New starts a dispatcher for the board reached through opener. The
// dispatcher runs until Stop is called or ctx ends.
func New(ctx context.Context, opener Opener, opts ...Option) *Device {
	d := newDevice(opener, opts...)

	ctx, d.cancel = context.WithCancel(ctx)
	d.tasks = taskgroup.New(nil)
	d.tasks.Go(func() error {
		d.run(ctx)
		return nil
	})

	return d
}

// Open starts a dispatcher for /dev/adutux<number>.
func Open(ctx context.Context, number int, opts ...Option) *Device {
	return New(ctx, DeviceFile(DeviceName(number)), opts...)
}

func (d *Device) Name() string {
	return d.name
}

// Metrics returns the activity counters of the dispatcher.
func (d *Device) Metrics() *expvar.Map {
	return d.metrics.emap
}

// Stop terminates the dispatcher and blocks until it has closed the device
// and exited. Stop may be called more than once.
func (d *Device) Stop() {
	d.stopOnce.Do(d.cancel)
	d.tasks.Wait()
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func checkChannel(channel int) {
	if channel < 0 || channel >= NumChannels {
		panic(fmt.Sprintf("adu208: channel %d out of range [0, %d)", channel, NumChannels))
	}
}

// RequestSetDigitalOutputs asks for the relays to be set to mask. A later
// request replaces one not yet written.
func (d *Device) RequestSetDigitalOutputs(mask int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs = value.Just(mask)
	d.signal()
}

// RequestGetDigitalInputs drops the cached input mask and asks for a new poll.
func (d *Device) RequestGetDigitalInputs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = value.Absent[int]()
	d.signal()
}

func (d *Device) RequestGetEventCounter(channel int) {
	checkChannel(channel)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[channel].read = true
	d.counters[channel].value = value.Absent[int]()
	d.signal()
}

func (d *Device) RequestGetAndResetEventCounter(channel int) {
	checkChannel(channel)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[channel].readReset = true
	d.counters[channel].value = value.Absent[int]()
	d.signal()
}

func (d *Device) RequestSetEventCounterDebounce(channel int, debounce DebounceTime) {
	checkChannel(channel)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[channel].debounce = value.Just(debounce)
	d.signal()
}

// DigitalInputs returns the last polled input mask; ok is false while a poll
// is outstanding.
func (d *Device) DigitalInputs() (mask int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inputs.Present() {
		return 0, false
	}
	return d.inputs.Get(), true
}

// EventCounter returns the last counter value read for channel; ok is false
// while a read is outstanding or none was ever requested.
func (d *Device) EventCounter(channel int) (count int, ok bool) {
	checkChannel(channel)
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.counters[channel]
	if !slot.value.Present() {
		return 0, false
	}
	return slot.value.Get(), true
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// LatestContact is the time of the last successful write or read.
func (d *Device) LatestContact() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastContact
}

// Status is a point in time copy of the cached device state.
type Status struct {
	Name          string            `json:"name"`
	Connected     bool              `json:"connected"`
	LatestContact time.Time         `json:"latest_contact"`
	Inputs        *int              `json:"inputs"`
	Counters      [NumChannels]*int `json:"counters"`
	Pending       bool              `json:"pending"`
}

func maybePtr(m value.Maybe[int]) *int {
	if !m.Present() {
		return nil
	}
	v := m.Get()
	return &v
}

func (d *Device) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Name:          d.name,
		Connected:     d.connected,
		LatestContact: d.lastContact,
		Inputs:        maybePtr(d.inputs),
		Pending:       d.commandsPending(),
	}
	for ch := range d.counters {
		st.Counters[ch] = maybePtr(d.counters[ch].value)
	}
	return st
}

// commandsPending reports whether any request is waiting for the board.
// The caller must hold d.mu.
func (d *Device) commandsPending() bool {
	if d.outputs.Present() || !d.inputs.Present() {
		return true
	}
	for _, slot := range d.counters {
		if slot.read || slot.readReset || slot.debounce.Present() {
			return true
		}
	}
	return false
}
