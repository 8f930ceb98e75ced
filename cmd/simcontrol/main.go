// Command simcontrol runs the trajectory-following vehicle simulator.
//
// It ticks the simulator on a fixed cycle and publishes chassis and
// localization frames to an in-process bus. The bus feeds the gRPC state
// stream, the optional SQLite recorder and the HTTP control API.
//
// Usage:
//
//	go run ./cmd/simcontrol [flags]
//
// Flags given on the command line override values from -config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sim-control/internal/api"
	"github.com/banshee-data/sim-control/internal/config"
	"github.com/banshee-data/sim-control/internal/db"
	"github.com/banshee-data/sim-control/internal/hdmap"
	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/statebus"
	"github.com/banshee-data/sim-control/internal/stream"
	"github.com/banshee-data/sim-control/internal/timeutil"
	"github.com/banshee-data/sim-control/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON config file (built-in defaults when empty)")
	enable      = flag.Bool("enable", false, "Enable the simulation at startup")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// Config overrides. Only flags given on the command line replace config
// file values.
func init() {
	registerOverrideFlags(flag.CommandLine)
}

func registerOverrideFlags(fs *flag.FlagSet) {
	fs.String("listen", ":8080", "HTTP listen address")
	fs.String("grpc-addr", "localhost:50061", "gRPC state stream listen address")
	fs.Duration("cycle-period", 10*time.Millisecond, "Simulation cycle period")
	fs.String("map", "", "Lane map JSON used to snap start points")
	fs.String("db-path", "sim_control.db", "SQLite database path for recording")
	fs.Bool("record", false, "Record runs, trajectories and sampled states")
	fs.Int("record-every-n", 10, "Record one state in every N published frames")
}

// applyFlagOverrides copies the flags explicitly set on fs into cfg.
func applyFlagOverrides(cfg *config.SimConfig, fs *flag.FlagSet) error {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.(flag.Getter).Get()
		switch f.Name {
		case "listen":
			s := v.(string)
			cfg.ListenAddr = &s
		case "grpc-addr":
			s := v.(string)
			cfg.GRPCAddr = &s
		case "cycle-period":
			s := v.(time.Duration).String()
			cfg.CyclePeriod = &s
		case "map":
			s := v.(string)
			cfg.MapFile = &s
		case "db-path":
			s := v.(string)
			cfg.DBPath = &s
		case "record":
			b := v.(bool)
			cfg.RecordStates = &b
		case "record-every-n":
			n := v.(int)
			cfg.RecordEveryN = &n
		}
	})
	return cfg.Validate()
}

// loadConfig reads path, or returns the built-in defaults when path is empty.
func loadConfig(path string) (*config.SimConfig, error) {
	if path == "" {
		return config.DefaultSimConfig(), nil
	}
	return config.LoadSimConfig(path)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := applyFlagOverrides(cfg, flag.CommandLine); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("%s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *enable); err != nil {
		log.Fatalf("simcontrol: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// run wires the simulator to its surfaces and blocks until ctx is done.
func run(ctx context.Context, cfg *config.SimConfig, enableAtStart bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock := timeutil.RealClock{}
	bus := statebus.New(statebus.DefaultBufferSize)
	defer bus.Close()

	sim, err := simcontrol.New(simcontrol.ConfigFromSim(cfg), clock, bus)
	if err != nil {
		return fmt.Errorf("create simulator: %w", err)
	}

	if path := cfg.GetMapFile(); path != "" {
		m, err := hdmap.Load(path, cfg.GetMaxSnapDistance())
		if err != nil {
			return fmt.Errorf("load map: %w", err)
		}
		sim.SetStartPointAdjuster(m)
		log.Printf("Loaded %d lanes from %s", m.LaneCount(), path)
	}

	var (
		store    *db.DB
		recorder *db.Recorder
	)
	if cfg.GetRecordStates() {
		store, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		recorder = db.NewRecorder(store, clock, cfg.GetRecordEveryN())
		if _, err := recorder.StartRun(cfg.GetModuleName()); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		defer func() {
			if err := recorder.EndRun(); err != nil {
				log.Printf("failed to end run: %v", err)
			}
		}()
		sim.SetTrajectoryListener(recorder)
	}

	publisher := stream.NewPublisher(stream.ConfigFromSim(cfg))
	if err := publisher.Start(stream.NewServer(publisher, sim)); err != nil {
		return fmt.Errorf("start state stream: %w", err)
	}
	defer publisher.Stop()

	if enableAtStart {
		sim.Enable()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("simulation loop stopped: %v", err)
		}
		log.Print("simulation routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Forward(ctx, bus)
		log.Print("stream forwarder terminated")
	}()

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("recorder stopped: %v", err)
			}
			log.Print("recorder routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only from localhost or over Tailscale)
		bus.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}

		apiMux := api.NewServer(sim, bus, store, recorder).ServeMux()
		mux.Handle("/api/", apiMux)

		server := &http.Server{
			Addr:    cfg.GetListenAddr(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
				cancel()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	return nil
}
