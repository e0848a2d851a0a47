// Command rfbench drives an RF test bench: it serves the measurement
// session over HTTP, or runs a single calibration or measurement headless.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/rfbench/internal/api"
	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/db"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/serialmux"
	"github.com/banshee-data/rfbench/internal/session"
	"github.com/banshee-data/rfbench/internal/timeutil"
	"github.com/banshee-data/rfbench/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to bench configuration JSON")
	dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
	port       = flag.String("port", "", "Serial port of the GPIB controller (overrides config)")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	mock       = flag.Bool("mock", false, "Use the simulated bench instead of hardware")
	device     = flag.String("device", "", "Device under test: vco, demod or mod (overrides config)")
	paramsFile = flag.String("params", "", "Parameter snapshot JSON applied before measure or calibrate")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: rfbench [flags] [command]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  serve               Serve the bench over HTTP (default)\n")
	fmt.Fprintf(out, "  measure             Check the sample, run one measurement and print it\n")
	fmt.Fprintf(out, "  calibrate <kind>    Run a calibration sweep (lo, rf or mod)\n")
	fmt.Fprintf(out, "  params <path>       Write the device's saved parameters to a JSON file\n")
	fmt.Fprintf(out, "  migrate <action>    Manage the database schema\n")
	fmt.Fprintf(out, "  version             Print version information\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	command := "serve"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, command, args, os.Stdout); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

// loadConfig reads -config when given and applies flag overrides. Unset
// fields fall back to the config defaults; addresses are only set when
// configured so saved addresses still apply.
func loadConfig() (*config.BenchConfig, error) {
	cfg := &config.BenchConfig{}
	if *configFile != "" {
		loaded, err := config.LoadBenchConfig(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Database = dbPath
	}
	if *port != "" {
		cfg.SerialPort = port
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *device != "" {
		cfg.Device = device
	}
	if *mock {
		cfg.Mock = mock
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.BenchConfig, command string, args []string, out io.Writer) error {
	switch command {
	case "serve":
		return serve(ctx, cfg)
	case "measure":
		return measure(ctx, cfg, out)
	case "calibrate":
		if len(args) != 1 {
			return errors.New("usage: rfbench calibrate <lo|rf|mod>")
		}
		kind, err := calibration.ParseKind(args[0])
		if err != nil {
			return err
		}
		return calibrate(ctx, cfg, kind, out)
	case "params":
		if len(args) != 1 {
			return errors.New("usage: rfbench params <path>")
		}
		return exportParams(cfg, args[0], out)
	case "migrate":
		return db.RunMigrateCommand(args, cfg.GetDatabase(), out)
	case "version":
		fmt.Fprintln(out, version.String())
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// bench is everything a command needs to drive the session.
type bench struct {
	db      *db.DB
	bus     serialmux.SerialMuxInterface
	session *session.Session
}

func (b *bench) Close() {
	if b.session != nil {
		b.session.Close()
	}
	if b.bus != nil {
		b.bus.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// openBench opens the database, the GPIB bus (or the simulated bench) and
// the session. headless benches on the simulator skip settling delays.
func openBench(cfg *config.BenchConfig, headless bool) (*bench, error) {
	b := &bench{}
	database, err := db.NewDB(cfg.GetDatabase())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	b.db = database

	var factory instrument.Factory
	var clock timeutil.Clock = timeutil.RealClock{}
	if cfg.GetMock() {
		factory = instrument.NewSimulated(cfg.GetDevice())
		b.bus = serialmux.NewDisabledSerialMux()
		if headless {
			clock = timeutil.NewMockClock(time.Now())
		}
	} else {
		opts := serialmux.PortOptions{
			BaudRate: cfg.GetBaudRate(),
			DataBits: cfg.GetDataBits(),
			StopBits: cfg.GetStopBits(),
			Parity:   cfg.GetParity(),
		}
		bus, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), opts)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open GPIB controller on %s: %w", cfg.GetSerialPort(), err)
		}
		b.bus = bus
		if err := bus.Initialise(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to initialise GPIB controller: %w", err)
		}
		factory = instrument.GPIBFactory{Bus: bus}
	}

	s, err := session.New(session.Options{
		Factory:   factory,
		Clock:     clock,
		Store:     database,
		Device:    cfg.GetDevice(),
		Addresses: cfg.Addresses,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.session = s

	if headless && *paramsFile != "" {
		if err := applyParams(s, *paramsFile); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// applyParams loads a parameter snapshot over the device defaults and
// makes it the session's saved parameter set.
func applyParams(s *session.Session, path string) error {
	ps := s.Variant().NewParameterSet()
	if err := config.LoadParameters(path, ps); err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}
	return s.SetParams(ps.Values())
}

func exportParams(cfg *config.BenchConfig, path string, out io.Writer) error {
	database, err := db.NewDB(cfg.GetDatabase())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	s, err := session.New(session.Options{Store: database, Device: cfg.GetDevice()})
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Params().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s parameters to %s\n", cfg.GetDevice(), path)
	return nil
}

// await waits for the running operation, cancelling it if ctx ends first.
func await(ctx context.Context, s *session.Session) error {
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Printf("interrupted, cancelling %s", s.State().Operation)
		s.Cancel()
		return <-done
	}
}

func measure(ctx context.Context, cfg *config.BenchConfig, out io.Writer) error {
	b, err := openBench(cfg, true)
	if err != nil {
		return err
	}
	defer b.Close()
	s := b.session

	if err := s.Connect(nil); err != nil {
		return err
	}
	if err := s.Check(); err != nil {
		return err
	}
	if err := await(ctx, s); err != nil {
		return fmt.Errorf("check: %w", err)
	}
	if err := s.Measure(); err != nil {
		return err
	}
	if err := await(ctx, s); err != nil {
		return err
	}
	return printResult(out, s.Result())
}

func printResult(out io.Writer, snap result.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "group\t")
	for _, col := range snap.Columns {
		fmt.Fprintf(tw, "%s\t", col)
	}
	fmt.Fprintln(tw)
	for _, p := range snap.Processed {
		fmt.Fprintf(tw, "%s\t", p.Group)
		for _, col := range snap.Columns {
			fmt.Fprintf(tw, "%s\t", strconv.FormatFloat(p.Fields[col], 'f', -1, 64))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range snap.Slopes {
		fmt.Fprintf(out, "slope %s [%g, %g]: %.3f\n", s.Group, s.X0, s.X1, s.Value)
	}
	return nil
}

func calibrate(ctx context.Context, cfg *config.BenchConfig, kind calibration.Kind, out io.Writer) error {
	b, err := openBench(cfg, true)
	if err != nil {
		return err
	}
	defer b.Close()
	s := b.session

	if err := s.Connect(nil); err != nil {
		return err
	}
	if err := s.Calibrate(kind); err != nil {
		return err
	}
	if err := await(ctx, s); err != nil {
		return err
	}
	t := s.Calibration().Table(kind)
	fmt.Fprintf(out, "%s calibration: %d points\n", kind, t.Len())
	for _, e := range t.Entries {
		if kind.Flat() {
			fmt.Fprintf(out, "%g\t%g\n", e.Primary, e.Loss)
		} else {
			fmt.Fprintf(out, "%g\t%g\t%g\n", e.Primary, e.Secondary, e.Loss)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.BenchConfig) error {
	b, err := openBench(cfg, false)
	if err != nil {
		return err
	}
	defer b.Close()

	mux := api.NewServer(b.session, b.db).ServeMux()
	b.bus.AttachAdminRoutes(mux)
	if err := b.db.AttachAdminRoutes(mux); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: api.LoggingMiddleware(mux),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		b.session.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	log.Printf("%s serving %s on %s", version.String(), cfg.GetDevice(), cfg.GetListen())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return nil
}
