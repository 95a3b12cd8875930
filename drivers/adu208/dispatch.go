package adu208

import (
	"context"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/pkg/errors"
)

var errReconnectPending = errors.New("device closed, waiting for reconnect backoff")

// run is the dispatcher loop. It drains pending requests against the device
// until ctx ends, then closes the device.
func (d *Device) run(ctx context.Context) {
	defer d.disconnect()

	var delay time.Duration
	for d.waitForWork(ctx, delay) {
		delay = d.drain()
	}
	d.logger.Debug("dispatcher stopped")
}

// waitForWork blocks until a request is pending and delay has passed, or a
// new request arrives. It reports false once ctx is done.
func (d *Device) waitForWork(ctx context.Context, delay time.Duration) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		d.mu.Lock()
		pending := d.commandsPending()
		d.mu.Unlock()
		if pending && delay <= 0 {
			return true
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if pending {
			timer = time.NewTimer(delay)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
		case <-d.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		delay = 0
	}
}

// drain makes one pass over all request kinds in priority order and returns
// how long to wait before the next pass if requests are left.
func (d *Device) drain() time.Duration {
	d.dispatchOutputs()
	d.dispatchInputs()
	d.dispatchCounters(false)
	d.dispatchCounters(true)
	d.dispatchDebounce()

	d.mu.Lock()
	pending := d.commandsPending()
	d.mu.Unlock()
	if !pending {
		return 0
	}
	if d.conn == nil {
		if left := d.reconnect.remaining(); left > d.retryInterval {
			return left
		}
	}
	return d.retryInterval
}

func (d *Device) dispatchOutputs() {
	d.mu.Lock()
	pending := d.outputs
	d.mu.Unlock()
	if !pending.Present() {
		return
	}

	mask := pending.Get()
	if err := d.send(command(cmdSetOutputs, mask)); err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// a newer mask set while writing stays pending
	if d.outputs.Present() && d.outputs.Get() == mask {
		d.outputs = value.Absent[int]()
	}
}

func (d *Device) dispatchInputs() {
	d.mu.Lock()
	cached := d.inputs.Present()
	d.mu.Unlock()
	if cached {
		return
	}

	mask, err := d.query(command(cmdPollInputs))
	if err != nil {
		return
	}

	d.mu.Lock()
	d.inputs = value.Just(mask)
	d.mu.Unlock()
}

func (d *Device) dispatchCounters(reset bool) {
	mnemonic := cmdReadCounter
	if reset {
		mnemonic = cmdReadResetCounter
	}

	for ch := 0; ch < NumChannels; ch++ {
		d.mu.Lock()
		requested := d.counters[ch].requested(reset)
		d.mu.Unlock()
		if !requested {
			continue
		}

		count, err := d.query(command(mnemonic, ch))
		if errors.Is(err, ErrMalformedReply) {
			// the connection is fine, a garbled channel must not starve the rest
			continue
		}
		if err != nil {
			return
		}

		d.mu.Lock()
		slot := &d.counters[ch]
		if reset {
			slot.readReset = false
		} else {
			slot.read = false
		}
		// the value is published once no read of either kind is left
		if !slot.read && !slot.readReset {
			slot.value = value.Just(count)
		}
		d.mu.Unlock()
	}
}

func (d *Device) dispatchDebounce() {
	for ch := 0; ch < NumChannels; ch++ {
		d.mu.Lock()
		pending := d.counters[ch].debounce
		d.mu.Unlock()
		if !pending.Present() {
			continue
		}

		debounce := pending.Get()
		if err := d.send(command(cmdDebounce, int(debounce))); err != nil {
			return
		}

		d.mu.Lock()
		slot := &d.counters[ch]
		if slot.debounce.Present() && slot.debounce.Get() == debounce {
			slot.debounce = value.Absent[DebounceTime]()
		}
		d.mu.Unlock()
	}
}

// connect makes sure the device is open. While closed it tries to open at
// most once per reconnect interval.
func (d *Device) connect() error {
	if d.conn != nil {
		return nil
	}
	if !d.reconnect.expired() {
		return errReconnectPending
	}

	conn, err := d.opener.Open()
	if err != nil {
		d.reconnect.restart()
		d.setConnected(false)
		d.metrics.openFailures.Add(1)
		d.logger.Info("failed to open device", "err", err)
		return errors.Wrap(err, "device unavailable")
	}

	d.conn = conn
	d.reconnect.forceExpire()
	d.setConnected(true)
	d.metrics.opens.Add(1)
	d.logger.Info("opened device")
	return nil
}

func (d *Device) send(cmd []byte) error {
	if err := d.connect(); err != nil {
		return err
	}

	if _, err := d.conn.Write(cmd); err != nil {
		d.deviceLost("write failed", err)
		return errors.Wrapf(err, "write %s failed", printable(cmd))
	}
	d.touch()
	d.metrics.commandsSent.Add(1)
	d.logger.Debug("wrote", "cmd", printable(cmd))
	return nil
}

// query sends cmd and parses the integer the device answers with.
func (d *Device) query(cmd []byte) (int, error) {
	if err := d.send(cmd); err != nil {
		return 0, err
	}

	buf := make([]byte, replyBufferSize)
	n, err := d.conn.Read(buf)
	if err != nil {
		d.deviceLost("read failed", err)
		return 0, errors.Wrapf(err, "read reply to %s failed", printable(cmd))
	}
	d.touch()
	d.logger.Debug("read", "reply", printable(buf[:n]))

	v, err := parseReply(buf[:n])
	if err != nil {
		d.metrics.parseFailures.Add(1)
		d.logger.Warn("unexpected reply", "cmd", string(cmd[1:3]), "err", err)
		return 0, err
	}
	d.metrics.repliesParsed.Add(1)
	return v, nil
}

func (d *Device) deviceLost(reason string, err error) {
	d.metrics.transferFailures.Add(1)
	d.logger.Warn(reason, "err", err)
	d.disconnect()
}

func (d *Device) disconnect() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.setConnected(false)
}

func (d *Device) setConnected(connected bool) {
	d.mu.Lock()
	d.connected = connected
	d.mu.Unlock()
}

func (d *Device) touch() {
	d.mu.Lock()
	d.lastContact = d.now()
	d.mu.Unlock()
}
