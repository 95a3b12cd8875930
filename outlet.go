package adukit

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/pkg/errors"

	"github.com/hubertat/adukit/drivers"
)

type Outlet struct {
	Name           string
	State          bool
	DriverName     string
	OutPin         uint16
	DisableHomekit bool
	IsFaulty       bool

	ControlBy []ControllingDevice

	output drivers.DigitalOutput
	driver drivers.IoDriver

	hk    *accessory.Outlet
	fault *characteristic.StatusFault

	lock sync.Mutex
}

func (ou *Outlet) GetDriverName() string {
	return ou.DriverName
}

func (ou *Outlet) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("Outlet_" + ou.Name))
	return hash.Sum64()
}

func (ou *Outlet) Init(driver drivers.IoDriver) error {
	if !strings.EqualFold(driver.String(), ou.DriverName) {
		return errors.New("Init failed, mismatched or incorrect driver")
	}

	if !driver.IsReady() {
		return errors.New("Init failed, driver not ready")
	}
	var err error

	ou.driver = driver
	ou.output, err = driver.GetOutput(ou.OutPin)
	if err != nil {
		return errors.Wrap(err, "Init failed")
	}

	if err = ou.output.Set(ou.State); err != nil {
		return errors.Wrap(err, "Init failed, on setting initial state")
	}

	if ou.DisableHomekit {
		return nil
	}
	info := accessory.Info{
		Name:         ou.Name,
		SerialNumber: fmt.Sprintf("outlet:%s:%02d", ou.DriverName, ou.OutPin),
	}
	ou.hk = accessory.NewOutlet(info)
	ou.hk.Outlet.On.SetValue(ou.State)

	ou.fault = characteristic.NewStatusFault()
	ou.fault.SetValue(characteristic.StatusFaultNoFault)
	ou.hk.Outlet.AddC(ou.fault.C)

	ou.hk.Outlet.On.OnValueRemoteUpdate(ou.SetValue)
	return nil
}

// Sync reads back the output state and reports a fault while the driver
// cannot confirm it.
func (ou *Outlet) Sync() error {
	ou.lock.Lock()
	defer ou.lock.Unlock()

	state, err := ou.output.GetState()
	ou.IsFaulty = err != nil

	if ou.hk != nil {
		if err != nil {
			ou.fault.SetValue(characteristic.StatusFaultGeneralFault)
		} else {
			ou.fault.SetValue(characteristic.StatusFaultNoFault)
		}
	}

	if err != nil {
		return errors.Wrap(err, "Sync failed")
	}

	if state != ou.State {
		ou.State = state
		if ou.hk != nil {
			ou.hk.Outlet.On.SetValue(ou.State)
		}
	}

	return nil
}

func (ou *Outlet) GetControllers() []ControllingDevice {
	return ou.ControlBy
}

func (ou *Outlet) GetHk() *accessory.A {
	if ou.hk == nil {
		return nil
	}
	return ou.hk.A
}

func (ou *Outlet) SetValue(state bool) {
	ou.lock.Lock()
	defer ou.lock.Unlock()

	ou.State = state
	if err := ou.output.Set(ou.State); err != nil {
		logger.Warn("failed to set outlet", "outlet", ou.Name, "err", err)
		return
	}
	if ou.hk != nil {
		ou.hk.Outlet.On.SetValue(ou.State)
	}
}

func (ou *Outlet) Toggle() {
	ou.lock.Lock()
	state := ou.State
	ou.lock.Unlock()
	ou.SetValue(!state)
}
