package ms5611

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

// Coefficients from the datasheet worked example, plus dummy reserved and
// CRC words.
var testWords = [8]uint16{0xBEEF, 40127, 36924, 23317, 23282, 33464, 28312, 0x000B}

// initOps returns the SPI transcript NewSPI produces: a reset followed by
// the eight PROM word reads.
func initOps(words [8]uint16) []conntest.IO {
	ops := []conntest.IO{{W: []byte{0x1E}}}
	for i, w := range words {
		ops = append(ops, conntest.IO{
			W: []byte{0xA0 | byte(i)<<1, 0, 0},
			R: []byte{0, byte(w >> 8), byte(w)},
		})
	}
	return ops
}

func stubSleep(t *testing.T) {
	doSleep = func(time.Duration) {}
	t.Cleanup(func() { doSleep = time.Sleep })
}

func TestPromReadCmd(t *testing.T) {
	for i, expected := range []byte{0xA0, 0xA2, 0xA4, 0xA6, 0xA8, 0xAA, 0xAC, 0xAE} {
		if cmd := promReadCmd(i); cmd != expected {
			t.Errorf("promReadCmd(%d) = %#02x, expected %#02x", i, cmd, expected)
		}
	}
}

func TestOversampling(t *testing.T) {
	cases := []struct {
		o    Oversampling
		cmd  byte
		name string
	}{
		{O256, 0x00, "256x"},
		{O512, 0x02, "512x"},
		{O1024, 0x04, "1024x"},
		{O2048, 0x06, "2048x"},
		{O4096, 0x08, "4096x"},
	}
	for _, tc := range cases {
		if c := tc.o.asCommand(); c != tc.cmd {
			t.Errorf("%s: command offset = %#02x, expected %#02x", tc.name, c, tc.cmd)
		}
		if s := tc.o.String(); s != tc.name {
			t.Errorf("String() = %q, expected %q", s, tc.name)
		}
	}
	if s := Oversampling(12).String(); s != "Oversampling(12)" {
		t.Errorf("String() = %q", s)
	}
}

func TestNewSPISense(t *testing.T) {
	stubSleep(t)

	ops := initOps(testWords)
	ops = append(ops,
		// D2 conversion at 4096x, ADC readback of 8569150.
		conntest.IO{W: []byte{0x58}},
		conntest.IO{W: []byte{0x00, 0, 0, 0}, R: []byte{0, 0x82, 0xC1, 0x3E}},
		// D1 conversion at 4096x, ADC readback of 9085466.
		conntest.IO{W: []byte{0x48}},
		conntest.IO{W: []byte{0x00, 0, 0, 0}, R: []byte{0, 0x8A, 0xA2, 0x1A}},
	)
	bus := spitest.Playback{Playback: conntest.Playback{Ops: ops, DontPanic: true}}

	dev, err := NewSPI(&bus, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	e := physic.Env{}
	if err := dev.Sense(&e); err != nil {
		t.Fatal(err)
	}
	expectedTemp := physic.ZeroCelsius + 2007*physic.Kelvin/100
	if e.Temperature != expectedTemp {
		t.Errorf("temperature = %s, expected %s", e.Temperature, expectedTemp)
	}
	expectedPressure := 100009 * physic.Pascal
	if e.Pressure != expectedPressure {
		t.Errorf("pressure = %s, expected %s", e.Pressure, expectedPressure)
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewSPIADCAssembly(t *testing.T) {
	stubSleep(t)

	ops := initOps(testWords)
	ops = append(ops,
		conntest.IO{W: []byte{0x58}},
		// Wire bytes 0x01 0x02 0x03 assemble MSB first into 0x010203.
		conntest.IO{W: []byte{0x00, 0, 0, 0}, R: []byte{0, 0x01, 0x02, 0x03}},
	)
	bus := spitest.Playback{Playback: conntest.Playback{Ops: ops, DontPanic: true}}

	dev, err := NewSPI(&bus, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.command(cmdConvertD2 | dev.opts.Temperature.asCommand()); err != nil {
		t.Fatal(err)
	}
	raw, err := dev.readADC()
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x010203 {
		t.Errorf("raw = %#06x, expected 0x010203", raw)
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewSPICalibrationInvalid(t *testing.T) {
	stubSleep(t)

	// An unprogrammed sensor reads back all zeroes.
	bus := spitest.Playback{Playback: conntest.Playback{Ops: initOps([8]uint16{}), DontPanic: true}}

	if _, err := NewSPI(&bus, &DefaultOpts); !errors.Is(err, ErrInvalidCalibration) {
		t.Fatalf("expected ErrInvalidCalibration, got %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewSPITransportError(t *testing.T) {
	stubSleep(t)

	// The transcript ends mid PROM read; the init must abort with the
	// transport error instead of validating a half filled table.
	bus := spitest.Playback{Playback: conntest.Playback{Ops: initOps(testWords)[:4], DontPanic: true}}

	if _, err := NewSPI(&bus, &DefaultOpts); err == nil {
		t.Fatal("expected a transport error")
	} else if errors.Is(err, ErrInvalidCalibration) {
		t.Fatalf("expected a transport error, got %v", err)
	}
}

func TestSenseContinuous(t *testing.T) {
	stubSleep(t)

	ops := initOps(testWords)
	ops = append(ops,
		conntest.IO{W: []byte{0x58}},
		conntest.IO{W: []byte{0x00, 0, 0, 0}, R: []byte{0, 0x82, 0xC1, 0x3E}},
		conntest.IO{W: []byte{0x48}},
		conntest.IO{W: []byte{0x00, 0, 0, 0}, R: []byte{0, 0x8A, 0xA2, 0x1A}},
	)
	bus := spitest.Playback{Playback: conntest.Playback{Ops: ops, DontPanic: true}}

	dev, err := NewSPI(&bus, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	ch, err := dev.SenseContinuous(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	e := <-ch
	if e.Pressure != 100009*physic.Pascal {
		t.Errorf("pressure = %s", e.Pressure)
	}

	// A second Sense while streaming must be refused.
	if err := dev.Sense(&physic.Env{}); err == nil {
		t.Error("expected Sense to fail while sensing continuously")
	}

	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

var _ spi.PortCloser = &spitest.Playback{}
