package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/hubertat/adukit/mqtt"
)

const mockDriverName = "mock_driver"

// MockOutput is an in-memory relay. Set may come from HomeKit callbacks and
// the sync ticker at once.
type MockOutput struct {
	lock    sync.Mutex
	state   bool
	pin     uint16
	monitor io.Writer
}

func (mo *MockOutput) GetState() (bool, error) {
	mo.lock.Lock()
	defer mo.lock.Unlock()
	return mo.state, nil
}

func (mo *MockOutput) Set(state bool) error {
	mo.lock.Lock()
	defer mo.lock.Unlock()
	if mo.monitor != nil && state != mo.state {
		fmt.Fprintf(mo.monitor, "[pin %d] state changed to %v\n", mo.pin, state)
	}
	mo.state = state
	return nil
}

type MockInput struct {
	State bool
	pin   uint16
}

func (mi *MockInput) GetState() (bool, error) {
	return mi.State, nil
}

// MockIoDriver keeps pins in memory, for tests and running without hardware.
type MockIoDriver struct {
	inputs  []*MockInput
	outputs []*MockOutput
	ready   bool
}

func (md *MockIoDriver) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	seen := make(map[uint16]bool)
	for _, inPin := range inputs {
		if seen[inPin] {
			return errors.Errorf("mock input %d configured twice", inPin)
		}
		seen[inPin] = true
		md.inputs = append(md.inputs, &MockInput{pin: inPin})
	}

	seen = make(map[uint16]bool)
	for _, outPin := range outputs {
		if seen[outPin] {
			return errors.Errorf("mock output %d configured twice", outPin)
		}
		seen[outPin] = true
		md.outputs = append(md.outputs, &MockOutput{pin: outPin})
	}

	md.ready = true
	return nil
}

// SetMqtt returns no handlers, mock pins are not exposed over mqtt.
func (md *MockIoDriver) SetMqtt(publisher mqtt.Publisher) []mqtt.MqttHandler {
	return nil
}

func (md *MockIoDriver) Close() error {
	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	return md.ready
}

func (md *MockIoDriver) findInput(pin uint16) *MockInput {
	for _, input := range md.inputs {
		if input.pin == pin {
			return input
		}
	}
	return nil
}

func (md *MockIoDriver) GetInput(pin uint16) (DigitalInput, error) {
	if input := md.findInput(pin); input != nil {
		return input, nil
	}
	return nil, errors.Errorf("mock input %d not found", pin)
}

// SetInput changes the state the next input read returns.
func (md *MockIoDriver) SetInput(pin uint16, state bool) error {
	input := md.findInput(pin)
	if input == nil {
		return errors.Errorf("mock input %d not found", pin)
	}
	input.State = state
	return nil
}

func (md *MockIoDriver) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, output := range md.outputs {
		if output.pin == pin {
			return output, nil
		}
	}
	return nil, errors.Errorf("mock output %d not found", pin)
}

func (md *MockIoDriver) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range md.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range md.outputs {
		outputs = append(outputs, output.pin)
	}
	return
}

// MonitorStateChanges prints every output change to writer.
func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	for _, out := range md.outputs {
		out.lock.Lock()
		out.monitor = writer
		out.lock.Unlock()
	}
}
