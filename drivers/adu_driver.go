package drivers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creachadair/mds/value"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/adukit/drivers/adu208"
	"github.com/hubertat/adukit/mqtt"
)

const aduDriverName = "adu208"
const aduOutputMask = 1<<adu208.NumChannels - 1
const aduCloseTimeout = 500 * time.Millisecond

// AduIO exposes the relays and inputs of an ADU208 board as IoDriver pins
// 0-7.
type AduIO struct {
	DeviceNumber      int
	DeviceName        string
	InvertInputs      bool
	InvertOutputs     bool
	ReconnectInterval string
	MqttPrefix        string

	// Debounce maps an input channel to its counter filter ("10ms", "1ms",
	// "100us" or "slow", "medium", "fast").
	Debounce map[int]string

	opener  adu208.Opener
	device  *adu208.Device
	inputs  []*AduInput
	outputs []*AduOutput
	logger  *log.Logger

	// lock guards isReady and everything below it
	lock       sync.Mutex
	isReady    bool
	outputMask int
	lastInputs value.Maybe[int]
	publisher  mqtt.Publisher
	published  map[string]string
}

type AduInput struct {
	pin    uint8
	driver *AduIO
}

type AduOutput struct {
	pin    uint8
	driver *AduIO
}

func (ain *AduInput) GetState() (bool, error) {
	return ain.driver.inputState(ain.pin)
}

func (aout *AduOutput) GetState() (bool, error) {
	return aout.driver.outputState(aout.pin)
}

func (aout *AduOutput) Set(state bool) error {
	return aout.driver.setOutput(aout.pin, state)
}

func (aio *AduIO) deviceName() string {
	if len(aio.DeviceName) > 0 {
		return aio.DeviceName
	}
	return adu208.DeviceName(aio.DeviceNumber)
}

func (aio *AduIO) mqttPrefix() string {
	if len(aio.MqttPrefix) > 0 {
		return strings.TrimSuffix(aio.MqttPrefix, "/")
	}
	return fmt.Sprintf("%s/%d", aduDriverName, aio.DeviceNumber)
}

func checkAduPin(pin uint16) error {
	if pin >= adu208.NumChannels {
		return errors.Errorf("pin %d out of range (adu208 has pins 0-%d)", pin, adu208.NumChannels-1)
	}
	return nil
}

func (aio *AduIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	debounce := make(map[int]adu208.DebounceTime)
	for ch, level := range aio.Debounce {
		if ch < 0 || ch >= adu208.NumChannels {
			return errors.Errorf("debounce channel %d out of range", ch)
		}
		dt, err := adu208.ParseDebounceTime(level)
		if err != nil {
			return errors.Wrapf(err, "failed to parse debounce of channel %d", ch)
		}
		debounce[ch] = dt
	}

	opts := []adu208.Option{adu208.WithName(aio.deviceName())}
	if len(aio.ReconnectInterval) > 0 {
		interval, err := time.ParseDuration(aio.ReconnectInterval)
		if err != nil {
			return errors.Wrap(err, "failed to parse ReconnectInterval")
		}
		opts = append(opts, adu208.WithReconnectInterval(interval))
	}

	for _, inPin := range inputs {
		if err := checkAduPin(inPin); err != nil {
			return errors.Wrap(err, "adu208 input")
		}
		aio.inputs = append(aio.inputs, &AduInput{pin: uint8(inPin), driver: aio})
	}
	for _, outPin := range outputs {
		if err := checkAduPin(outPin); err != nil {
			return errors.Wrap(err, "adu208 output")
		}
		aio.outputs = append(aio.outputs, &AduOutput{pin: uint8(outPin), driver: aio})
	}

	aio.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "AduIO: ",
		Level:  log.GetLevel(),
	})
	opts = append(opts, adu208.WithLogger(aio.logger))

	if aio.opener == nil {
		aio.opener = adu208.DeviceFile(aio.deviceName())
	}
	aio.device = adu208.New(ctx, aio.opener, opts...)

	for ch, dt := range debounce {
		aio.device.RequestSetEventCounterDebounce(ch, dt)
	}
	aio.lock.Lock()
	aio.outputMask = 0
	aio.device.RequestSetDigitalOutputs(aio.wireOutputs())
	aio.isReady = true
	aio.lock.Unlock()

	return nil
}

// SetOpener replaces the device file opener, e.g. with an adu208.Simulator.
// It has to be called before Setup.
func (aio *AduIO) SetOpener(opener adu208.Opener) {
	aio.opener = opener
}

// Device returns the dispatcher of the board, nil before Setup.
func (aio *AduIO) Device() *adu208.Device {
	return aio.device
}

// wireOutputs converts the logical output state into the relay mask. The
// caller must hold aio.lock.
func (aio *AduIO) wireOutputs() int {
	if aio.InvertOutputs {
		return ^aio.outputMask & aduOutputMask
	}
	return aio.outputMask
}

func (aio *AduIO) setOutput(pin uint8, state bool) error {
	aio.lock.Lock()
	defer aio.lock.Unlock()
	if !aio.isReady {
		return errors.New("adu208 driver not ready")
	}

	if state {
		aio.outputMask |= 1 << pin
	} else {
		aio.outputMask &^= 1 << pin
	}
	aio.device.RequestSetDigitalOutputs(aio.wireOutputs())
	return nil
}

// outputState reports the requested relay state, with an error while the
// board is unreachable.
func (aio *AduIO) outputState(pin uint8) (state bool, err error) {
	aio.lock.Lock()
	state = aio.outputMask&(1<<pin) != 0
	aio.lock.Unlock()

	if aio.device != nil && !aio.device.IsConnected() {
		err = errors.Errorf("%s disconnected, output %d not confirmed", aio.deviceName(), pin)
	}
	return
}

func (aio *AduIO) inputState(pin uint8) (state bool, err error) {
	aio.lock.Lock()
	last := aio.lastInputs
	aio.lock.Unlock()

	if !last.Present() {
		err = errors.Errorf("inputs of %s not read yet", aio.deviceName())
		return
	}
	state = last.Get()&(1<<pin) != 0
	if aio.InvertInputs {
		state = !state
	}
	if !aio.device.IsConnected() {
		err = errors.Errorf("%s disconnected, input %d state is stale", aio.deviceName(), pin)
	}
	return
}

// Sync takes the last polled input mask and asks for the next poll, then
// publishes changed state over mqtt.
func (aio *AduIO) Sync() error {
	if !aio.IsReady() {
		return errors.New("adu208 driver not ready")
	}

	mask, ok := aio.device.DigitalInputs()
	if ok {
		aio.lock.Lock()
		aio.lastInputs = value.Just(mask)
		aio.lock.Unlock()
		aio.device.RequestGetDigitalInputs()
	}

	aio.publishState()

	if !aio.device.IsConnected() {
		return errors.Errorf("%s not connected", aio.deviceName())
	}
	return nil
}

// RequestCounter asks for a fresh event counter read of channel, resetting
// the hardware counter if reset is set.
func (aio *AduIO) RequestCounter(channel int, reset bool) error {
	if channel < 0 || channel >= adu208.NumChannels {
		return errors.Errorf("counter channel %d out of range", channel)
	}
	if !aio.IsReady() {
		return errors.New("adu208 driver not ready")
	}
	if reset {
		aio.device.RequestGetAndResetEventCounter(channel)
	} else {
		aio.device.RequestGetEventCounter(channel)
	}
	return nil
}

// Close switches the relays off and stops the dispatcher. Output changes
// arriving after Close has started are rejected.
func (aio *AduIO) Close() error {
	aio.lock.Lock()
	if !aio.isReady {
		aio.lock.Unlock()
		return nil
	}
	aio.isReady = false
	aio.outputMask = 0
	aio.device.RequestSetDigitalOutputs(aio.wireOutputs())
	aio.lock.Unlock()

	// give the dispatcher a moment to switch the relays off
	deadline := time.Now().Add(aduCloseTimeout)
	for aio.device.IsConnected() && aio.device.Snapshot().Pending && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	aio.device.Stop()
	return nil
}

func (aio *AduIO) String() string {
	return aduDriverName
}

func (aio *AduIO) IsReady() bool {
	aio.lock.Lock()
	defer aio.lock.Unlock()
	return aio.isReady
}

func (aio *AduIO) GetInput(pin uint16) (DigitalInput, error) {
	for _, in := range aio.inputs {
		if uint16(in.pin) == pin {
			return in, nil
		}
	}
	return nil, errors.Errorf("adu208 input %d not found", pin)
}

func (aio *AduIO) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, out := range aio.outputs {
		if uint16(out.pin) == pin {
			return out, nil
		}
	}
	return nil, errors.Errorf("adu208 output %d not found", pin)
}

func (aio *AduIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, in := range aio.inputs {
		inputs = append(inputs, uint16(in.pin))
	}
	for _, out := range aio.outputs {
		outputs = append(outputs, uint16(out.pin))
	}
	return
}

type aduMqttHandler struct {
	topic  string
	handle func(payload []byte) error
	logger *log.Logger
}

func (amh *aduMqttHandler) MqttSubscribeTopic() string {
	return amh.topic
}

func (amh *aduMqttHandler) MqttHandle(pub *paho.Publish) {
	if err := amh.handle(pub.Payload); err != nil {
		amh.logger.Warn("failed to handle mqtt message", "topic", amh.topic, "err", err)
	}
}

func parseSwitchPayload(payload []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("unrecognized switch payload %q", payload)
}

// SetMqtt keeps publisher for state updates and returns the command topics:
// <prefix>/output/<pin>/set, <prefix>/counter/<ch>/read,
// <prefix>/counter/<ch>/reset and <prefix>/inputs/refresh.
func (aio *AduIO) SetMqtt(publisher mqtt.Publisher) (handlers []mqtt.MqttHandler) {
	aio.lock.Lock()
	aio.publisher = publisher
	aio.published = make(map[string]string)
	aio.lock.Unlock()

	prefix := aio.mqttPrefix()
	logger := aio.logger
	if logger == nil {
		logger = log.Default()
	}

	for _, out := range aio.outputs {
		handlers = append(handlers, &aduMqttHandler{
			topic:  fmt.Sprintf("%s/output/%d/set", prefix, out.pin),
			logger: logger,
			handle: func(payload []byte) error {
				state, err := parseSwitchPayload(payload)
				if err != nil {
					return err
				}
				return out.Set(state)
			},
		})
	}

	for ch := 0; ch < adu208.NumChannels; ch++ {
		handlers = append(handlers,
			&aduMqttHandler{
				topic:  fmt.Sprintf("%s/counter/%d/read", prefix, ch),
				logger: logger,
				handle: func([]byte) error { return aio.RequestCounter(ch, false) },
			},
			&aduMqttHandler{
				topic:  fmt.Sprintf("%s/counter/%d/reset", prefix, ch),
				logger: logger,
				handle: func([]byte) error { return aio.RequestCounter(ch, true) },
			},
		)
	}

	handlers = append(handlers, &aduMqttHandler{
		topic:  prefix + "/inputs/refresh",
		logger: logger,
		handle: func([]byte) error {
			if !aio.IsReady() {
				return errors.New("adu208 driver not ready")
			}
			aio.device.RequestGetDigitalInputs()
			return nil
		},
	})

	return
}

func onOff(state bool) string {
	if state {
		return "on"
	}
	return "off"
}

// publishState publishes connection, input and counter state topics whose
// payload changed since the last publish.
func (aio *AduIO) publishState() {
	aio.lock.Lock()
	publisher := aio.publisher
	aio.lock.Unlock()
	if publisher == nil {
		return
	}

	prefix := aio.mqttPrefix()
	st := aio.device.Snapshot()

	state := map[string]string{
		prefix + "/connected": strconv.FormatBool(st.Connected),
	}
	for _, in := range aio.inputs {
		if on, err := in.GetState(); err == nil {
			state[fmt.Sprintf("%s/input/%d", prefix, in.pin)] = onOff(on)
		}
	}
	for ch, count := range st.Counters {
		if count != nil {
			state[fmt.Sprintf("%s/counter/%d", prefix, ch)] = strconv.Itoa(*count)
		}
	}

	for topic, payload := range state {
		aio.lock.Lock()
		same := aio.published[topic] == payload
		aio.lock.Unlock()
		if same {
			continue
		}

		if err := publisher.Publish(topic, []byte(payload)); err != nil {
			aio.logger.Warn("failed to publish state", "topic", topic, "err", err)
			continue
		}
		aio.lock.Lock()
		aio.published[topic] = payload
		aio.lock.Unlock()
	}
}
