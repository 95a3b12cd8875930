package adukit

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/pkg/errors"

	"github.com/hubertat/adukit/drivers"
)

// ContactSensor reports an input pin to HomeKit. An input that is on means
// contact detected. Outlets listing the sensor in ControlBy follow its state.
type ContactSensor struct {
	Name       string
	State      bool
	DriverName string
	InPin      uint16
	IsFaulty   bool

	DisableHomeKit bool

	input       drivers.DigitalInput
	driver      drivers.IoDriver
	known       bool
	switchThis  []Controllable
	hkAccessory *accessory.A
	hkService   *service.ContactSensor
	fault       *characteristic.StatusFault
}

func (cs *ContactSensor) GetDriverName() string {
	return cs.DriverName
}

func (cs *ContactSensor) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("ContactSensor_" + cs.Name))
	return hash.Sum64()
}

func contactState(on bool) int {
	if on {
		return characteristic.ContactSensorStateContactDetected
	}
	return characteristic.ContactSensorStateContactNotDetected
}

// Init does not read the input, the first Sync does: polled drivers have no
// state before their first poll.
func (cs *ContactSensor) Init(driver drivers.IoDriver) error {
	if !strings.EqualFold(driver.String(), cs.DriverName) {
		return errors.New("Init failed, mismatched or incorrect driver")
	}

	if !driver.IsReady() {
		return errors.New("Init failed, driver not ready")
	}

	var err error

	cs.driver = driver
	cs.input, err = driver.GetInput(cs.InPin)
	if err != nil {
		return errors.Wrap(err, "Init failed on getting input")
	}

	if cs.DisableHomeKit {
		return nil
	}

	info := accessory.Info{
		Name:         cs.Name,
		SerialNumber: fmt.Sprintf("contact_sensor:%s:%02d", cs.DriverName, cs.InPin),
	}

	cs.hkAccessory = accessory.New(info, accessory.TypeSensor)
	cs.hkService = service.NewContactSensor()
	cs.hkService.ContactSensorState.SetValue(contactState(cs.State))

	cs.fault = characteristic.NewStatusFault()
	cs.fault.SetValue(characteristic.StatusFaultNoFault)
	cs.hkService.AddC(cs.fault.C)

	cs.hkAccessory.AddS(cs.hkService.S)

	return nil
}

func (cs *ContactSensor) Sync() error {
	state, err := cs.input.GetState()
	cs.IsFaulty = err != nil
	if cs.fault != nil {
		if err != nil {
			cs.fault.SetValue(characteristic.StatusFaultGeneralFault)
		} else {
			cs.fault.SetValue(characteristic.StatusFaultNoFault)
		}
	}
	if err != nil {
		return errors.Wrap(err, "Sync failed")
	}

	changed := !cs.known || state != cs.State
	cs.State = state
	cs.known = true
	if !changed {
		return nil
	}

	if cs.hkService != nil {
		cs.hkService.ContactSensorState.SetValue(contactState(cs.State))
	}
	for _, controlled := range cs.switchThis {
		controlled.SetValue(cs.State)
	}

	return nil
}

func (cs *ContactSensor) GetHk() *accessory.A {
	return cs.hkAccessory
}

func (cs *ContactSensor) GetValue() bool {
	return cs.State
}
