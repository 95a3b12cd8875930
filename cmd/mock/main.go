package main

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/hubertat/adukit"
	"github.com/hubertat/adukit/drivers"
	"github.com/hubertat/adukit/drivers/adu208"
	"github.com/hubertat/adukit/server"
)

var (
	Version string
	Build   string
)

// simulateBoard flips input 0 and pulses counter 1 now and then, so the
// mirrored relay and the counter endpoints have something to show.
func simulateBoard(ctx context.Context, sim *adu208.Simulator) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	inputs := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			inputs ^= 1
			sim.SetInputs(inputs)
			sim.Pulse(1, rand.IntN(10))
			log.Info("simulator", "inputs", inputs, "relays", sim.Outputs())
		}
	}
}

func main() {
	log.SetLevel(log.DebugLevel)
	log.Info("adukit started")
	log.Info("mock instance for testing purposes, runs without an ADU208 board")

	syncDuration := 250 * time.Millisecond
	log.Info("sync", "interval", syncDuration)

	sim := adu208.NewSimulator()
	adu := &drivers.AduIO{Debounce: map[int]string{1: "fast"}}
	adu.SetOpener(sim)

	ak := &adukit.AduKit{
		Name:        "adukit mock",
		HkPin:       "88008800",
		HkDirectory: "./mock_homekit",
		Adu:         adu,
		FakeDriver:  &drivers.MockIoDriver{},
		Http:        &server.Config{Addr: "127.0.0.1:8208"},
	}
	ak.Outlets = append(ak.Outlets,
		&adukit.Outlet{Name: "mirrored relay", DriverName: "adu208", OutPin: 0, ControlBy: []adukit.ControllingDevice{{Pin: 0}}},
		&adukit.Outlet{Name: "fake outlet", DriverName: "mock_driver", OutPin: 2},
	)
	ak.ContactSensors = append(ak.ContactSensors,
		&adukit.ContactSensor{Name: "simulated input", DriverName: "adu208", InPin: 0},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init adukit drivers...")
	err := ak.InitDrivers(ctx)
	defer ak.Close()
	if err != nil {
		log.Fatal("failed to init drivers", "err", err)
	}
	log.Info("will init adukit IOs...")
	if err = ak.InitIos(); err != nil {
		log.Fatal("failed to init ios", "err", err)
	}
	if err = ak.MatchControllers(); err != nil {
		log.Fatal("failed to match controllers", "err", err)
	}

	ak.FakeDriver.MonitorStateChanges(os.Stdout)
	ak.PrintIoStatus(os.Stdout)

	log.Info("starting mock with HomeKit service and http api", "addr", ak.Http.Addr)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return simulateBoard(ctx, sim) })
	group.Go(func() error { return ak.StartTicker(ctx, syncDuration) })
	group.Go(func() error { return ak.StartHttp(ctx) })
	group.Go(func() error { return ak.StartHomeKit(ctx, "mock: "+Version) })

	if err = group.Wait(); err != nil {
		log.Error("mock stopped", "err", err)
	}
}
