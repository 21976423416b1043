// Command scaled runs the order-assembly scale daemon: it polls a bench
// scale over a serial port, stabilizes the readings and serves them over
// HTTP, with optional export to Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/packline/orderscale/internal/api"
	"github.com/packline/orderscale/internal/config"
	"github.com/packline/orderscale/internal/export"
	"github.com/packline/orderscale/internal/scale"
	"github.com/packline/orderscale/internal/scaledriver"
)

var (
	listen    = flag.String("listen", ":8080", "Listen address")
	portPath  = flag.String("port", "/dev/ttySC0", "Serial device of the scale")
	baud      = flag.Int("baud", 9600, "Serial baud rate")
	tuning    = flag.String("tuning", "", "Path to an engine tuning JSON file")
	mockMode  = flag.Bool("mock", false, "Run with a mock scale driver (no hardware)")
	fixtures  = flag.String("fixtures", "", "Fixture file of weights for the mock driver, one kg value per line")
	redisAddr = flag.String("redis", "", "Redis address for weight export (disabled when empty)")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := scale.DefaultConfig()
	if *tuning != "" {
		t, err := config.LoadEngineTuning(*tuning)
		if err != nil {
			log.Fatalf("failed to load tuning file: %v", err)
		}
		cfg = scale.ConfigFromTuning(t)
	}

	var driver scaledriver.Driver
	if *mockMode {
		mock := scaledriver.NewMockDriver()
		if *fixtures != "" {
			if err := queueFixtures(mock, *fixtures); err != nil {
				log.Fatalf("failed to load fixtures: %v", err)
			}
		}
		driver = mock
	} else {
		sd, err := scaledriver.OpenSerialDriver(scaledriver.PortOptions{
			Path:     *portPath,
			BaudRate: *baud,
		})
		if err != nil {
			log.Fatalf("failed to open scale port %s: %v", *portPath, err)
		}
		defer sd.Close()
		driver = sd
	}

	engine := scale.NewEngine(cfg, driver, nil)
	if err := engine.Start(); err != nil {
		log.Fatalf("failed to start scale engine: %v", err)
	}
	defer engine.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *redisAddr != "" {
		pub, err := export.NewRedisPublisher(ctx, export.RedisConfig{Addr: *redisAddr}, engine)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		pub.Start()
		defer pub.Close()
	}

	srv := &http.Server{
		Addr:    *listen,
		Handler: api.NewServer(engine).Handler(),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("scaled listening on %s", *listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	wg.Wait()
}

// queueFixtures scripts the mock driver with protocol-stable readings, one
// weight in kilograms per line. Blank lines and #-comments are skipped.
func queueFixtures(mock *scaledriver.MockDriver, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kg, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return err
		}
		mock.QueueWeight(kg, scaledriver.TrailerStable)
	}
	return nil
}
