package main

import (
	"BaroServer/ms5611"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/aldernero/scd4x"
	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

type ProgramArgs struct {
	// Server Options
	Host string `short:"H" long:"host" default:"127.0.0.1" description:"IP to listen on"`
	Port uint16 `short:"P" long:"port" default:"10132" description:"Port to listen on"`

	// Sensor Options
	Interval  uint16 `short:"I" long:"interval" default:"5" description:"Interval between readings"`
	SPIDevice string `short:"D" long:"spidev" description:"The used SPI port (default: auto)"`
	CO2       bool   `short:"C" long:"co2" description:"Also read an SCD4x CO2 sensor over I2C"`
	I2CDevice string `long:"i2cdev" description:"The used I2C device for the CO2 sensor (default: auto)"`
}

var (
	args ProgramArgs

	currentEnv     physic.Env
	currentReading SensorReading

	scdDev *scd4x.SCD4x
)

const (
	MIN_TIMEOUT_SECONDS = 2
)

func updateReading(ch <-chan physic.Env) {
	for env := range ch {
		log.Println("New readings")

		currentEnv = env

		// MS5611
		reading := NewSensorReading(time.Now())
		reading.Temperature = env.Temperature.Celsius()
		reading.Pressure = float64(env.Pressure) / float64(ms5611.HectoPascal)

		// SCD41, if enabled
		if scdDev != nil {
			scdData, err := scdDev.ReadMeasurement()
			if err != nil {
				log.Printf("error while reading SCD4x data: %v\n", err)
			} else {
				reading.Humidity = scdData.Rh
				reading.CO2 = scdData.CO2
			}
		}

		currentReading = reading
	}
}

func getOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}

func setupSPIPort(spidev string) spi.PortCloser {
	if _, err := host.Init(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	port, err := spireg.Open(spidev)
	if err != nil {
		log.Fatalf("Couldn't open SPI port: %v", err)
	}

	return port
}

func setupI2CBus(i2cdev string) i2c.BusCloser {
	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		log.Fatalf("Couldn't open I2C device: %v", err)
	}

	return bus
}

// setupBaroSensor returns the device. the caller has the responsibility to close the port
func setupBaroSensor(port spi.Port) *ms5611.Dev {
	deviceOpts := ms5611.Opts{
		Temperature: ms5611.O4096,
		Pressure:    ms5611.O4096,
	}

	dev, err := ms5611.NewSPI(port, &deviceOpts)
	if err != nil {
		log.Fatalf("Couldn't initialize sensor: %v", err)
	}

	return dev
}

func setupSCDSensor(i2cBus i2c.BusCloser) *scd4x.SCD4x {
	sensor, err := scd4x.SensorInit(i2cBus, false)
	if err != nil {
		log.Fatalln(err.Error())
	}

	fmt.Println("Initializing SCD4x…")
	if err := sensor.StopMeasurements(); err != nil {
		log.Fatalf("Error while trying to stop periodic measurements: %v\n", err)
	}
	if err := sensor.StartMeasurements(); err != nil {
		log.Fatalf("Error while trying to start periodic measurements: %v\n", err)
	}
	fmt.Println("Done")

	return sensor
}

func registerMetrics() {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "ms5611",
		Name:      "pressure_hpa",
	}, func() float64 {
		return round(currentReading.Pressure, 2)
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "ms5611",
		Name:      "temperature_celsius",
	}, func() float64 {
		return round(currentReading.Temperature, 2)
	})
}

func round(x float64, prec int) float64 {
	pow := math.Pow10(prec)
	return math.Round(x*pow) / pow
}

func main() {
	args = ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	_, err := argParser.Parse()
	if err != nil {
		log.Fatal("arg parse fail")
	}

	// Boring SPI setup (error handling happens in these functions)
	port := setupSPIPort(args.SPIDevice)
	defer port.Close()

	baroDev := setupBaroSensor(port)

	// SenseContinuous will take one reading immediately before looping
	intervalDuration := time.Duration(args.Interval)
	readingChannel, err := baroDev.SenseContinuous(intervalDuration * time.Second)
	if err != nil {
		log.Fatalf("Couldn't start taking readings: %v", err)
	}
	defer baroDev.Halt()

	if args.CO2 {
		bus := setupI2CBus(args.I2CDevice)
		defer bus.Close()

		scdDev = setupSCDSensor(bus)
		defer scdDev.StopMeasurements()
	}

	fmt.Println("Waking up in a second…")

	// give the sensors time to wake up
	time.Sleep(1 * time.Second)

	// Start background measurements
	go updateReading(readingChannel)

	registerMetrics()

	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		jsonStr, err := json.Marshal(currentReading)
		if err != nil {
			w.WriteHeader(500)
			return
		}

		_, err = w.Write(jsonStr)
		if err != nil {
			log.Fatalf("Couldn't send response: %v\n", err)
		}
	})
	r.Handle("/metrics", promhttp.Handler())

	timeoutLen := max(MIN_TIMEOUT_SECONDS, int(args.Interval))

	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  time.Duration(timeoutLen) * time.Second,
		WriteTimeout: time.Duration(timeoutLen) * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      r,
	}

	go func() {
		if args.Host == "0.0.0.0" {
			localIP := getOutboundIP() // resolve local IP for easier debugging
			log.Printf("Listening on %s:%d…\n", localIP.String(), args.Port)
		} else {
			log.Printf("Listening on %s…\n", addr)
		}

		err := srv.ListenAndServe()
		log.Printf("Shutdown (%v)\n", err)
	}()

	sigChan := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
	signal.Notify(sigChan, os.Interrupt)

	<-sigChan

	// Give the server a timeout period of 4 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	_ = srv.Shutdown(ctx)
	os.Exit(0)
}
