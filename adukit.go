package adukit

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/adukit/drivers"
	"github.com/hubertat/adukit/mqtt"
	"github.com/hubertat/adukit/recorder"
	"github.com/hubertat/adukit/server"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "adukit"
const homeKitBridgeAuthor = "github.com/hubertat"

var logger = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "AduKit: ",
	Level:  log.GetLevel(),
})

type AduKit struct {
	Name string

	Outlets        []*Outlet
	ContactSensors []*ContactSensor

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string

	Adu        *drivers.AduIO
	FakeDriver *drivers.MockIoDriver

	Http   *server.Config
	Influx *recorder.Recorder

	ioDrivers  map[string]drivers.IoDriver
	mqttClient *mqtt.MqttClient
	syncFailed map[string]bool
}

type IO interface {
	Init(driver drivers.IoDriver) error
	GetDriverName() string
	Sync() error
}

type HkThing interface {
	GetHk() *accessory.A
	GetUniqueId() uint64
}

type ControllingDevice struct {
	Pin        uint16
	DriverName string
}

type Controllable interface {
	GetControllers() []ControllingDevice
	GetDriverName() string
	SetValue(value bool)
}

func (ak *AduKit) getInPins(driverName string) (pins []uint16) {
	for _, io := range ak.ContactSensors {
		if strings.EqualFold(io.DriverName, driverName) {
			pins = append(pins, io.InPin)
		}
	}

	return
}

func (ak *AduKit) getOutPins(driverName string) (pins []uint16) {
	for _, io := range ak.Outlets {
		if strings.EqualFold(io.DriverName, driverName) {
			pins = append(pins, io.OutPin)
		}
	}

	return
}

func (ak *AduKit) getIos() []IO {
	ios := []IO{}
	for _, cs := range ak.ContactSensors {
		ios = append(ios, cs)
	}
	for _, ou := range ak.Outlets {
		ios = append(ios, ou)
	}

	return ios
}

func (ak *AduKit) getHkThings() (things []HkThing) {
	for _, th := range ak.Outlets {
		things = append(things, th)
	}
	for _, th := range ak.ContactSensors {
		things = append(things, th)
	}

	return
}

func (ak *AduKit) InitDrivers(ctx context.Context) error {
	ak.ioDrivers = make(map[string]drivers.IoDriver)
	ak.syncFailed = make(map[string]bool)

	if ak.Adu != nil {
		ak.ioDrivers[ak.Adu.String()] = ak.Adu
	}

	if ak.FakeDriver != nil {
		ak.ioDrivers[ak.FakeDriver.String()] = ak.FakeDriver
	}

	for _, driver := range ak.ioDrivers {
		err := driver.Setup(ctx, ak.getInPins(driver.String()), ak.getOutPins(driver.String()))
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver", driver)
		}
	}

	for _, io := range ak.getIos() {
		_, driverFound := ak.ioDrivers[io.GetDriverName()]
		if !driverFound {
			return errors.Errorf("driver %s not set up", io.GetDriverName())
		}
	}

	return nil
}

func (ak *AduKit) InitIos() error {
	for _, io := range ak.getIos() {
		err := io.Init(ak.ioDrivers[io.GetDriverName()])
		if err != nil {
			return errors.Wrapf(err, "failed to init io")
		}
	}

	return nil
}

func (ak *AduKit) findContactSensor(pinNo uint16, driverName string) *ContactSensor {
	for _, cs := range ak.ContactSensors {
		if cs.InPin == pinNo && strings.EqualFold(cs.DriverName, driverName) {
			return cs
		}
	}

	return nil
}

// MatchControllers makes every contact sensor named in an outlet's
// ControlBy drive that outlet.
func (ak *AduKit) MatchControllers() error {
	controllables := []Controllable{}

	for _, ou := range ak.Outlets {
		controllables = append(controllables, ou)
	}

	for _, controllable := range controllables {
		for _, controller := range controllable.GetControllers() {
			driverName := controllable.GetDriverName()
			if len(controller.DriverName) > 0 {
				driverName = controller.DriverName
			}
			_, driverReady := ak.ioDrivers[driverName]
			if !driverReady {
				return errors.Errorf("matching controlled failed, driver (%s) not present or not ready", driverName)
			}

			cs := ak.findContactSensor(controller.Pin, driverName)
			if cs == nil {
				return errors.Errorf("matching controlled failed, no contact sensor found with pin = %d and driver %s", controller.Pin, driverName)
			}

			cs.switchThis = append(cs.switchThis, controllable)
		}
	}

	return nil
}

func (ak *AduKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, th := range ak.getHkThings() {
		accessory := th.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = th.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

// SyncOnce refreshes the drivers that poll their hardware, then every io.
// Driver errors are logged when a driver starts or stops failing.
func (ak *AduKit) SyncOnce() {
	for name, driver := range ak.ioDrivers {
		syncer, ok := driver.(drivers.Syncer)
		if !ok {
			continue
		}
		err := syncer.Sync()
		if err != nil && !ak.syncFailed[name] {
			logger.Warn("driver sync failing", "driver", name, "err", err)
		}
		if err == nil && ak.syncFailed[name] {
			logger.Info("driver sync recovered", "driver", name)
		}
		ak.syncFailed[name] = err != nil
	}

	for _, io := range ak.getIos() {
		err := io.Sync()
		if err != nil {
			logger.Debug("io sync failed", "driver", io.GetDriverName(), "err", err)
		}
	}
}

// StartTicker syncs every interval until ctx is done.
func (ak *AduKit) StartTicker(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ak.SyncOnce()
		}
	}
}

// Close stops mqtt first so no command handler runs against a closing
// driver, then closes the drivers and the recorder.
func (ak *AduKit) Close() (err error) {
	if ak.mqttClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ak.mqttClient.Disconnect(ctx)
	}

	for _, driver := range ak.ioDrivers {
		if driver != nil {
			closeErr := driver.Close()
			if closeErr == nil {
				continue
			}
			if err == nil {
				err = closeErr
			} else {
				err = errors.Wrap(err, closeErr.Error())
			}
		}
	}

	if ak.Influx != nil {
		ak.Influx.Close()
	}

	return
}

func (ak *AduKit) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active io drivers ===")
	for driverName, driver := range ak.ioDrivers {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| driver: %s\n", driverName)
		inputs, outputs := driver.GetAllIo()
		fmt.Fprintf(writer, "| in pins: ")
		for _, inpin := range inputs {
			fmt.Fprintf(writer, "%d, ", inpin)
		}
		fmt.Fprintf(writer, "\n| out pins: ")
		for _, outpin := range outputs {
			fmt.Fprintf(writer, "%d, ", outpin)
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}

// StartHomeKit serves the bridge and its accessories until ctx is done.
func (ak *AduKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := ak.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(ak.HkDirectory) > 1 {
		store = hap.NewFsStore(ak.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, ak.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = ak.HkPin
	if len(ak.HkAddress) > 0 {
		hkServer.Addr = ak.HkAddress
	}

	if ak.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	return hkServer.ListenAndServe(ctx)
}

func (ak *AduKit) InitMqtt(ctx context.Context) (err error) {
	if len(ak.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	clientId := ak.Name
	if len(clientId) == 0 {
		clientId = homeKitBridgeName
	}
	mc, err := mqtt.NewMqttClient(ak.MqttBroker, clientId)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	ak.mqttClient = mc

	mqttHandlers := []mqtt.MqttHandler{}
	for _, driver := range ak.ioDrivers {
		mqttHandlers = append(mqttHandlers, driver.SetMqtt(mc)...)
	}

	err = mc.Connect(ctx, mqttHandlers)
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
	}

	return
}

// StartHttp serves the control api of the adu208 board until ctx is done.
func (ak *AduKit) StartHttp(ctx context.Context) error {
	if ak.Http == nil {
		return errors.New("http api not configured")
	}
	if ak.Adu == nil || ak.Adu.Device() == nil {
		return errors.New("http api needs a set up adu208 driver")
	}

	srv, err := server.New(*ak.Http, ak.Adu.Device())
	if err != nil {
		return errors.Wrap(err, "failed to create http api")
	}
	return srv.ListenAndServe(ctx)
}

// StartRecorder writes event counter readings to InfluxDB until ctx is
// done.
func (ak *AduKit) StartRecorder(ctx context.Context) error {
	if ak.Influx == nil {
		return errors.New("influx recorder not configured")
	}
	if ak.Adu == nil || ak.Adu.Device() == nil {
		return errors.New("influx recorder needs a set up adu208 driver")
	}

	if err := ak.Influx.Setup(ak.Adu.Device()); err != nil {
		return errors.Wrap(err, "failed to setup influx recorder")
	}
	return ak.Influx.Run(ctx)
}
