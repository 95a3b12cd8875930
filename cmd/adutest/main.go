// adutest drives an ADU208 for a while: relay 0 follows input 0 and the
// poll rate and connection state are printed every 200ms. With -raw it
// bypasses the dispatcher, pulses relay 0 and prints the raw PI reply.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/adukit/drivers/adu208"
)

const printInterval = 200 * time.Millisecond

var (
	deviceNo = flag.Int("device", 0, "adutux device number")
	duration = flag.Duration("duration", 10*time.Second, "how long to run")
	simulate = flag.Bool("simulate", false, "run against an in-memory simulated board")
	debug    = flag.Bool("debug", false, "log every command")
	raw      = flag.Bool("raw", false, "talk to the device directly and print raw replies")
)

const rawStep = 100 * time.Millisecond

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var opener adu208.Opener = adu208.DeviceFile(adu208.DeviceName(*deviceNo))
	if *simulate {
		sim := adu208.NewSimulator()
		go toggleInputs(ctx, sim)
		opener = sim
	}

	if *raw {
		rawLoop(ctx, opener)
		return
	}

	device := adu208.New(context.Background(), opener)
	device.RequestGetDigitalInputs()

	outputs, inputs := 0, 0
	loops, polls := 0, 0
	printTicker := time.NewTicker(printInterval)
	defer printTicker.Stop()

	for ctx.Err() == nil {
		device.RequestSetDigitalOutputs(outputs)

		if inputs&1 != 0 {
			outputs |= 1
		} else {
			outputs &^= 1
		}

		if di, ok := device.DigitalInputs(); ok {
			device.RequestGetDigitalInputs()
			inputs = di
			polls++
		}
		loops++

		select {
		case <-printTicker.C:
			fmt.Printf("inputs=%02X loops=%d polls=%d connected=%v\n", inputs, loops, polls, device.IsConnected())
			loops, polls = 0, 0
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
	}

	fmt.Println("Stopping...")
	device.Stop()
	fmt.Println("Stopped.")
	fmt.Println(device.Metrics().String())
}

func toggleInputs(ctx context.Context, sim *adu208.Simulator) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	inputs := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inputs ^= 1
			sim.SetInputs(inputs)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// rawExchange writes every command with a pause after each one and reads the
// reply to the last. A failed transfer ends the exchange.
func rawExchange(ctx context.Context, conn adu208.Conn, cmds ...string) error {
	for _, cmd := range cmds {
		fmt.Printf("write=%q\n", cmd)
		if _, err := conn.Write([]byte(cmd)); err != nil {
			return err
		}
		if !sleepCtx(ctx, rawStep) {
			return ctx.Err()
		}
	}

	buf := make([]byte, 8)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	fmt.Printf("read=% x\n", buf[:n])
	return nil
}

func rawLoop(ctx context.Context, opener adu208.Opener) {
	var conn adu208.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for loop := 0; ctx.Err() == nil; loop++ {
		if conn == nil {
			var err error
			if conn, err = opener.Open(); err != nil {
				log.Warn("failed to open device", "device", opener, "err", err)
				sleepCtx(ctx, time.Second)
				continue
			}
			log.Info("opened device", "device", opener)
		}

		fmt.Printf("loop=%d\n", loop)
		err := rawExchange(ctx, conn, "\x01MK0", "\x01MK1", "\x01PI")
		if err != nil && ctx.Err() == nil {
			log.Warn("transfer failed, reopening", "err", err)
			conn.Close()
			conn = nil
		}
	}
}
