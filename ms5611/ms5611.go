// Package ms5611 controls a TE Connectivity MS5611-01BA03 barometric
// pressure and temperature sensor over SPI.
//
// Datasheet:
// https://www.te.com/commerce/DocumentDelivery/DDEController?Action=showdoc&DocId=Data+Sheet%7FMS5611-01BA03%7FB3%7Fpdf%7FEnglish%7FENG_DS_MS5611-01BA03_B3.pdf
package ms5611

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const (
	HectoPascal = 100 * physic.Pascal

	// Command bytes understood by the sensor.
	cmdReset     byte = 0x1E
	cmdConvertD1 byte = 0x40 // pressure conversion, OR'd with the OSR offset
	cmdConvertD2 byte = 0x50 // temperature conversion, OR'd with the OSR offset
	cmdReadADC   byte = 0x00
	cmdPROMRead  byte = 0xA0 // word 0; word i lives at 0xA0 | i<<1
)

// promReadCmd returns the PROM read command for word i (0 through 7).
func promReadCmd(i int) byte {
	return cmdPROMRead | byte(i)<<1
}

// Oversampling affects how much time the sensor takes for a single
// conversion.
//
// Higher oversampling means better resolution at the cost of conversion
// latency and supply current.
type Oversampling uint8

// Possible oversampling values.
const (
	O256 Oversampling = iota
	O512
	O1024
	O2048
	O4096
)

const oversamplingName = "256x512x1024x2048x4096x"

var oversamplingIndex = [...]uint8{0, 4, 8, 13, 18, 23}

func (o Oversampling) String() string {
	if o >= Oversampling(len(oversamplingIndex)-1) {
		return fmt.Sprintf("Oversampling(%d)", o)
	}
	return oversamplingName[oversamplingIndex[o]:oversamplingIndex[o+1]]
}

// asCommand returns the offset OR'd into the D1/D2 conversion commands:
// 0x00, 0x02, 0x04, 0x06 and 0x08 respectively.
func (o Oversampling) asCommand() byte {
	return byte(o) << 1
}

// conversionTime returns the maximum ADC conversion time from the datasheet.
// The ADC must not be read before it elapses.
func (o Oversampling) conversionTime() time.Duration {
	switch o {
	case O256:
		return 600 * time.Microsecond
	case O512:
		return 1170 * time.Microsecond
	case O1024:
		return 2280 * time.Microsecond
	case O2048:
		return 4540 * time.Microsecond
	default:
		return 9040 * time.Microsecond
	}
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Temperature: O4096,
	Pressure:    O4096,
}

// Opts defines the options for the device.
type Opts struct {
	Temperature Oversampling
	Pressure    Oversampling
}

// NewSPI returns an object that communicates over SPI to a MS5611
// barometric sensor.
//
// It resets the sensor and reads the factory calibration PROM, so a
// successful return means the device answered sensibly on the bus.
//
// The CS line must be used.
func NewSPI(p spi.Port, opts *Opts) (*Dev, error) {
	// The sensor works both in Mode0 and Mode3, up to 20MHz.
	c, err := p.Connect(10*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("ms5611: %w", err)
	}
	d := &Dev{d: c, name: "MS5611"}
	if err := d.makeDev(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to an initialized MS5611 device.
type Dev struct {
	d    conn.Conn
	opts Opts
	name string
	cal  calibrationData

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.d)
}

// Sense requests a one time measurement as °C and Pa.
//
// It triggers a temperature and a pressure conversion back to back and
// blocks for the two conversion times of the configured oversampling.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	return d.sense(e)
}

// SenseContinuous returns measurements as °C and Pa on a continuous basis.
//
// The application must call Halt() to stop the sensing when done to stop the
// sensor and close the channel.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
		d.wg.Wait()
	}

	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, d.stop)
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {}

// Halt stops the MS5611 from acquiring measurements as initiated by
// SenseContinuous().
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	d.stop = nil
	d.wg.Wait()
	return nil
}

//

func (d *Dev) makeDev(opts *Opts) error {
	d.opts = *opts

	// The reset pulse reloads the calibration PROM into the sensor's
	// internal registers. The datasheet asks for 2.8ms before the PROM is
	// readable.
	if err := d.command(cmdReset); err != nil {
		return err
	}
	doSleep(3 * time.Millisecond)

	prom := [16]byte{}
	for i := 0; i < 8; i++ {
		if err := d.readCmd(promReadCmd(i), prom[2*i:2*i+2]); err != nil {
			return err
		}
	}

	cal, err := newCalibration(prom[:])
	if err != nil {
		return d.wrap(err)
	}
	d.cal = cal
	return nil
}

// sense runs one full temperature plus pressure conversion cycle.
//
// It must be called with d.mu lock held.
func (d *Dev) sense(e *physic.Env) error {
	if err := d.command(cmdConvertD2 | d.opts.Temperature.asCommand()); err != nil {
		return err
	}
	doSleep(d.opts.Temperature.conversionTime())
	tempRaw, err := d.readADC()
	if err != nil {
		return err
	}

	if err := d.command(cmdConvertD1 | d.opts.Pressure.asCommand()); err != nil {
		return err
	}
	doSleep(d.opts.Pressure.conversionTime())
	pressureRaw, err := d.readADC()
	if err != nil {
		return err
	}

	pressure, temperature := d.cal.compensate(pressureRaw, tempRaw)

	e.Temperature = physic.ZeroCelsius + physic.Temperature(temperature)*physic.Kelvin/100
	e.Pressure = physic.Pressure(pressure) * physic.Pascal
	return nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var err error
	for {
		// Do one initial sensing right away.
		e := physic.Env{}
		d.mu.Lock()
		err = d.sense(&e)
		d.mu.Unlock()
		if err != nil {
			log.Printf("%s: failed to sense: %v", d, err)
			return
		}
		select {
		case sensing <- e:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// readADC reads back the result of the last conversion, 3 bytes assembled
// MSB first into a 24 bit value.
func (d *Dev) readADC() (uint32, error) {
	buf := [3]byte{}
	if err := d.readCmd(cmdReadADC, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// readCmd sends a command byte and clocks out len(b) reply bytes.
func (d *Dev) readCmd(cmd byte, b []byte) error {
	read := make([]byte, len(b)+1)
	write := make([]byte, len(read))
	// Rest of the write buffer is ignored by the sensor.
	write[0] = cmd
	if err := d.d.Tx(write, read); err != nil {
		return d.wrap(err)
	}
	copy(b, read[1:])
	return nil
}

// command sends a bare command byte with no reply.
func (d *Dev) command(cmd byte) error {
	if err := d.d.Tx([]byte{cmd}, nil); err != nil {
		return d.wrap(err)
	}
	return nil
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var doSleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
