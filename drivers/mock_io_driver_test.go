package drivers

import (
	"bytes"
	"context"
	"sync"
	"testing"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertUint16Slices(t testing.TB, got, want []uint16) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("len(got) = %d len(want) = %d", len(got), len(want))
		return
	}

	for key, val := range got {
		if want[key] != val {
			t.Errorf("for key [%d] got: %d want: %d", key, val, want[key])
		}
	}
}

func TestMockInputGetState(t *testing.T) {
	inEnabled := MockInput{State: true}
	inDisabled := MockInput{State: false}

	state, _ := inEnabled.GetState()
	if state != true {
		t.Error("MockInput GetState failed")
	}

	state, _ = inDisabled.GetState()
	if state != false {
		t.Error("MockInput GetState failed")
	}
}

func TestMockOutputGetState(t *testing.T) {
	outEnabled := MockOutput{state: true}
	outDisable := MockOutput{state: false}

	stateTrue, _ := outEnabled.GetState()
	stateFalse, _ := outDisable.GetState()

	if stateTrue != true || stateFalse != false {
		t.Error("MockOutput GetState failed")
	}
}

func TestMockOutputSetState(t *testing.T) {
	out := MockOutput{}

	want := true
	out.Set(want)
	got, _ := out.GetState()
	assertBools(t, got, want)

	want = false
	out.Set(want)
	got, _ = out.GetState()
	assertBools(t, got, want)

	want = true
	out.Set(want)
	got, _ = out.GetState()
	assertBools(t, got, want)
}

func TestMockIoSetup(t *testing.T) {
	md := MockIoDriver{}

	want := false
	got := md.IsReady()
	assertBools(t, got, want)

	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4})
	want = true
	got = md.IsReady()
	assertBools(t, got, want)
}

func TestMockIoGetAllIo(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4})
	inputs, outputs := md.GetAllIo()
	assertUint16Slices(t, inputs, []uint16{1, 3, 5})
	assertUint16Slices(t, outputs, []uint16{2, 4})
}

func TestMockIoString(t *testing.T) {
	md := MockIoDriver{}

	got := md.String()
	want := "mock_driver"

	if got != want {
		t.Errorf("got: %s want: %s", got, want)
	}
}

func TestMockIoClose(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1}, []uint16{2})
	md.Close()
	assertBools(t, md.IsReady(), false)
}

func TestMockMonitorStateChanges(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{4})

	var buf bytes.Buffer
	md.MonitorStateChanges(&buf)

	output, _ := md.GetOutput(4)
	output.Set(true)
	output.Set(true)
	output.Set(false)

	want := "[pin 4] state changed to true\n[pin 4] state changed to false\n"
	if buf.String() != want {
		t.Errorf("got %q want %q", buf.String(), want)
	}
}

func TestMockGetMissingIo(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1}, []uint16{2})

	if _, err := md.GetInput(2); err == nil {
		t.Error("GetInput returned nil error for missing pin")
	}
	if _, err := md.GetOutput(1); err == nil {
		t.Error("GetOutput returned nil error for missing pin")
	}
}

func TestMockGetOutput(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{3})
	output, err := md.GetOutput(3)
	if err != nil {
		t.Errorf("GetOutput returned err: %v", err)
	}

	want := true
	output.Set(want)
	got, _ := output.GetState()
	assertBools(t, got, want)

	anotherOut, _ := md.GetOutput(3)
	got, _ = anotherOut.GetState()
	assertBools(t, got, want)

	want = false
	output.Set(want)
	got, _ = output.GetState()
	assertBools(t, got, want)
}

func TestMockSetupDuplicatePins(t *testing.T) {
	md := MockIoDriver{}
	if err := md.Setup(context.Background(), []uint16{1, 1}, []uint16{2}); err == nil {
		t.Error("Setup accepted a duplicated input pin")
	}

	md = MockIoDriver{}
	if err := md.Setup(context.Background(), []uint16{1}, []uint16{2, 2}); err == nil {
		t.Error("Setup accepted a duplicated output pin")
	}

	md = MockIoDriver{}
	if err := md.Setup(context.Background(), []uint16{2}, []uint16{2}); err != nil {
		t.Errorf("input and output sharing a pin number: %v", err)
	}
}

func TestMockSetInput(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1}, []uint16{})

	if err := md.SetInput(1, true); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	input, _ := md.GetInput(1)
	got, _ := input.GetState()
	assertBools(t, got, true)

	if err := md.SetInput(7, true); err == nil {
		t.Error("SetInput returned nil error for missing pin")
	}
}

func TestMockOutputConcurrentSet(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{4})
	var buf bytes.Buffer
	md.MonitorStateChanges(&buf)
	output, _ := md.GetOutput(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(state bool) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				output.Set(state)
				output.GetState()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if buf.Len() == 0 {
		t.Error("no state changes were reported")
	}
}
