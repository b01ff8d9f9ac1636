package ms5611

import "errors"

// ErrInvalidCalibration is returned when the PROM reads back as all zeroes
// or all ones, which is what an unprogrammed sensor or a stuck bus line
// produces.
var ErrInvalidCalibration = errors.New("invalid calibration data")

// calibrationData holds the eight factory programmed PROM words.
type calibrationData struct {
	reserved uint16
	sens     uint16 // C1, pressure sensitivity
	off      uint16 // C2, pressure offset
	tcs      uint16 // C3, temperature coefficient of pressure sensitivity
	tco      uint16 // C4, temperature coefficient of pressure offset
	tref     uint16 // C5, reference temperature
	tempsens uint16 // C6, temperature coefficient of the temperature
	crc      uint16 // 4-bit CRC in the low nibble, stored but not verified
}

// newCalibration decodes the PROM content read at word addresses 0 through 7.
//
// prom must be 16 bytes, each word big-endian on the wire.
func newCalibration(prom []byte) (calibrationData, error) {
	getUint16 := func(msb, lsb byte) uint16 {
		return uint16(msb)<<8 | uint16(lsb)
	}

	c := calibrationData{
		reserved: getUint16(prom[0], prom[1]),
		sens:     getUint16(prom[2], prom[3]),
		off:      getUint16(prom[4], prom[5]),
		tcs:      getUint16(prom[6], prom[7]),
		tco:      getUint16(prom[8], prom[9]),
		tref:     getUint16(prom[10], prom[11]),
		tempsens: getUint16(prom[12], prom[13]),
		crc:      getUint16(prom[14], prom[15]),
	}

	if c.off == 0 || c.tref == 0xFFFF {
		return calibrationData{}, ErrInvalidCalibration
	}
	return c, nil
}

// compensate converts a pair of raw 24 bit ADC readings into temperature in
// centi-°C and pressure in Pa (which the datasheet states as 0.01 mbar).
// An output of 2007 equals 20.07 °C, 100009 equals 1000.09 mbar.
//
// This is the second order compensation from the datasheet. The shift
// amounts and constant multipliers must stay bit-exact, including the strict
// comparisons at 20.00 °C and -15.00 °C.
func (c calibrationData) compensate(pressureRaw, tempRaw uint32) (pressure, temperature int32) {
	dT := int64(tempRaw) - int64(c.tref)<<8

	temp := 2000 + ((dT * int64(c.tempsens)) >> 23)
	off := int64(c.off)<<16 + ((int64(c.tco) * dT) >> 7)
	sens := int64(c.sens)<<15 + ((int64(c.tcs) * dT) >> 8)

	if temp < 2000 {
		t2 := (dT * dT) >> 31
		tm := temp - 2000
		off2 := (5 * tm * tm) >> 1
		sens2 := (5 * tm * tm) >> 2
		if temp < -1500 {
			tp := temp + 1500
			off2 += 7 * tp * tp
			sens2 += (11 * tp * tp) >> 1
		}
		temp -= t2
		off -= off2
		sens -= sens2
	}

	pressure = int32((((int64(pressureRaw) * sens) >> 21) - off) >> 15)
	temperature = int32(temp)
	return pressure, temperature
}
