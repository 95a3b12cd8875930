package drivers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/hubertat/adukit/drivers/adu208"
	"github.com/hubertat/adukit/mqtt"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]string
}

func (fp *fakePublisher) Publish(topic string, payload []byte) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.published == nil {
		fp.published = make(map[string][]string)
	}
	fp.published[topic] = append(fp.published[topic], string(payload))
	return nil
}

func (fp *fakePublisher) get(topic string) []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]string(nil), fp.published[topic]...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func setupSimAdu(t *testing.T, aio *AduIO, sim *adu208.Simulator, inputs, outputs []uint16) {
	t.Helper()
	aio.opener = sim
	if err := aio.Setup(context.Background(), inputs, outputs); err != nil {
		t.Fatalf("Setup returned err: %v", err)
	}
	t.Cleanup(func() { aio.Close() })
}

func findHandler(t *testing.T, handlers []mqtt.MqttHandler, topic string) mqtt.MqttHandler {
	t.Helper()
	for _, h := range handlers {
		if h.MqttSubscribeTopic() == topic {
			return h
		}
	}
	t.Fatalf("no handler for topic %s", topic)
	return nil
}

func TestAduSetupErrors(t *testing.T) {
	tests := []struct {
		name    string
		aio     *AduIO
		inputs  []uint16
		outputs []uint16
	}{
		{"output out of range", &AduIO{}, nil, []uint16{8}},
		{"input out of range", &AduIO{}, []uint16{0, 12}, nil},
		{"debounce channel", &AduIO{Debounce: map[int]string{9: "slow"}}, nil, nil},
		{"debounce level", &AduIO{Debounce: map[int]string{1: "fastest"}}, nil, nil},
		{"reconnect interval", &AduIO{ReconnectInterval: "soon"}, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.aio.opener = adu208.NewSimulator()
			err := tt.aio.Setup(context.Background(), tt.inputs, tt.outputs)
			if err == nil {
				tt.aio.Close()
				t.Fatal("Setup returned nil error")
			}
			assertBools(t, tt.aio.IsReady(), false)
		})
	}
}

func TestAduNotReady(t *testing.T) {
	aio := &AduIO{}
	if err := aio.Sync(); err == nil {
		t.Error("Sync returned nil error before Setup")
	}
	if err := aio.RequestCounter(0, false); err == nil {
		t.Error("RequestCounter returned nil error before Setup")
	}
	if err := aio.Close(); err != nil {
		t.Errorf("Close before Setup returned err: %v", err)
	}
}

func TestAduOutputs(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		sim := adu208.NewSimulator()
		aio := &AduIO{}
		setupSimAdu(t, aio, sim, nil, []uint16{0, 2})

		out, err := aio.GetOutput(2)
		if err != nil {
			t.Fatalf("GetOutput returned err: %v", err)
		}
		if err := out.Set(true); err != nil {
			t.Fatalf("Set returned err: %v", err)
		}
		waitFor(t, "relay 2 on", func() bool { return sim.Outputs() == 0b100 })

		state, _ := out.GetState()
		assertBools(t, state, true)

		other, _ := aio.GetOutput(0)
		state, _ = other.GetState()
		assertBools(t, state, false)

		if _, err := aio.GetOutput(1); err == nil {
			t.Error("GetOutput returned nil error for unconfigured pin")
		}
	})

	t.Run("inverted", func(t *testing.T) {
		sim := adu208.NewSimulator()
		aio := &AduIO{InvertOutputs: true}
		setupSimAdu(t, aio, sim, nil, []uint16{0})

		waitFor(t, "relays released", func() bool { return sim.Outputs() == 0xff })

		out, _ := aio.GetOutput(0)
		out.Set(true)
		waitFor(t, "relay 0 pulled", func() bool { return sim.Outputs() == 0xfe })
	})

	t.Run("close switches off", func(t *testing.T) {
		sim := adu208.NewSimulator()
		aio := &AduIO{}
		setupSimAdu(t, aio, sim, nil, []uint16{5})

		out, _ := aio.GetOutput(5)
		out.Set(true)
		waitFor(t, "relay 5 on", func() bool { return sim.Outputs() == 0b100000 })

		aio.Close()
		if got := sim.Outputs(); got != 0 {
			t.Errorf("relays left at %08b after Close", got)
		}
		assertBools(t, aio.IsReady(), false)
	})
}

func TestAduInputs(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		sim := adu208.NewSimulator()
		sim.SetInputs(0b101)
		aio := &AduIO{}
		setupSimAdu(t, aio, sim, []uint16{0, 1, 2}, nil)

		in, _ := aio.GetInput(0)
		if _, err := in.GetState(); err == nil {
			t.Error("GetState returned nil error before first Sync")
		}

		waitFor(t, "inputs polled", func() bool {
			_, ok := aio.Device().DigitalInputs()
			return ok
		})
		if err := aio.Sync(); err != nil {
			t.Fatalf("Sync returned err: %v", err)
		}

		for pin, want := range []bool{true, false, true} {
			in, _ := aio.GetInput(uint16(pin))
			got, err := in.GetState()
			if err != nil {
				t.Errorf("input %d GetState returned err: %v", pin, err)
			}
			assertBools(t, got, want)
		}
	})

	t.Run("inverted", func(t *testing.T) {
		sim := adu208.NewSimulator()
		sim.SetInputs(0b1)
		aio := &AduIO{InvertInputs: true}
		setupSimAdu(t, aio, sim, []uint16{0, 1}, nil)

		waitFor(t, "inputs polled", func() bool {
			_, ok := aio.Device().DigitalInputs()
			return ok
		})
		aio.Sync()

		in0, _ := aio.GetInput(0)
		in1, _ := aio.GetInput(1)
		got0, _ := in0.GetState()
		got1, _ := in1.GetState()
		assertBools(t, got0, false)
		assertBools(t, got1, true)
	})

	t.Run("sync requests next poll", func(t *testing.T) {
		sim := adu208.NewSimulator()
		aio := &AduIO{}
		setupSimAdu(t, aio, sim, []uint16{3}, nil)

		waitFor(t, "inputs polled", func() bool {
			_, ok := aio.Device().DigitalInputs()
			return ok
		})
		aio.Sync()

		sim.SetInputs(0b1000)
		waitFor(t, "input 3 seen", func() bool {
			aio.Sync()
			in, _ := aio.GetInput(3)
			state, _ := in.GetState()
			return state
		})
	})
}

func TestParseSwitchPayload(t *testing.T) {
	for _, payload := range []string{"on", "ON", "true", "1", " on\n"} {
		got, err := parseSwitchPayload([]byte(payload))
		if err != nil || !got {
			t.Errorf("parseSwitchPayload(%q) = %v, %v", payload, got, err)
		}
	}
	for _, payload := range []string{"off", "False", "0"} {
		got, err := parseSwitchPayload([]byte(payload))
		if err != nil || got {
			t.Errorf("parseSwitchPayload(%q) = %v, %v", payload, got, err)
		}
	}
	if _, err := parseSwitchPayload([]byte("toggle")); err == nil {
		t.Error("parseSwitchPayload accepted toggle")
	}
}

func TestAduMqtt(t *testing.T) {
	sim := adu208.NewSimulator()
	sim.Pulse(3, 5)
	aio := &AduIO{DeviceNumber: 2}
	setupSimAdu(t, aio, sim, []uint16{0}, []uint16{1})

	pub := &fakePublisher{}
	handlers := aio.SetMqtt(pub)

	// one output, read and reset per channel, inputs refresh
	if want := 1 + 2*adu208.NumChannels + 1; len(handlers) != want {
		t.Errorf("got %d handlers want %d", len(handlers), want)
	}

	t.Run("output set", func(t *testing.T) {
		h := findHandler(t, handlers, "adu208/2/output/1/set")
		h.MqttHandle(&paho.Publish{Payload: []byte("on")})
		waitFor(t, "relay 1 on", func() bool { return sim.Outputs() == 0b10 })

		h.MqttHandle(&paho.Publish{Payload: []byte("bogus")})
		h.MqttHandle(&paho.Publish{Payload: []byte("off")})
		waitFor(t, "relay 1 off", func() bool { return sim.Outputs() == 0 })
	})

	t.Run("counter reset", func(t *testing.T) {
		h := findHandler(t, handlers, "adu208/2/counter/3/reset")
		h.MqttHandle(&paho.Publish{})
		waitFor(t, "counter 3 read", func() bool {
			count, ok := aio.Device().EventCounter(3)
			return ok && count == 5
		})

		aio.Sync()
		got := pub.get("adu208/2/counter/3")
		if len(got) != 1 || got[0] != "5" {
			t.Errorf("counter 3 published %v", got)
		}
	})

	t.Run("state published on change", func(t *testing.T) {
		waitFor(t, "inputs polled", func() bool {
			_, ok := aio.Device().DigitalInputs()
			return ok
		})
		aio.Sync()
		aio.Sync()

		got := pub.get("adu208/2/connected")
		if len(got) != 1 || got[0] != "true" {
			t.Errorf("connected published %v", got)
		}
		got = pub.get("adu208/2/input/0")
		if len(got) != 1 || got[0] != "off" {
			t.Errorf("input 0 published %v", got)
		}
	})

	t.Run("custom prefix", func(t *testing.T) {
		custom := &AduIO{MqttPrefix: "home/relays/"}
		setupSimAdu(t, custom, adu208.NewSimulator(), nil, nil)
		findHandler(t, custom.SetMqtt(pub), "home/relays/inputs/refresh")
	})
}

func TestAduCloseRejectsCommands(t *testing.T) {
	sim := adu208.NewSimulator()
	aio := &AduIO{}
	setupSimAdu(t, aio, sim, nil, []uint16{0, 1})

	handlers := aio.SetMqtt(&fakePublisher{})
	setOn := findHandler(t, handlers, "adu208/0/output/1/set")
	readCounter := findHandler(t, handlers, "adu208/0/counter/2/read")
	refresh := findHandler(t, handlers, "adu208/0/inputs/refresh")

	out, _ := aio.GetOutput(0)
	out.Set(true)
	waitFor(t, "relay 0 on", func() bool { return sim.Outputs() == 0b1 })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				setOn.MqttHandle(&paho.Publish{Payload: []byte("on")})
				readCounter.MqttHandle(&paho.Publish{})
				refresh.MqttHandle(&paho.Publish{})
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	aio.Close()
	close(stop)
	wg.Wait()

	if got := sim.Outputs(); got != 0 {
		t.Errorf("relays at %08b after Close", got)
	}
	assertBools(t, aio.IsReady(), false)
	if err := out.Set(true); err == nil {
		t.Error("Set after Close returned nil error")
	}
	if err := aio.RequestCounter(2, false); err == nil {
		t.Error("RequestCounter after Close returned nil error")
	}
}
