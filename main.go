package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"veloride/engine"
	"veloride/engine/config"
	"veloride/engine/models"
)

func main() {
	var (
		workoutPath   string
		configPath    string
		ftp           uint
		metricsAddr   string
		snapshotEvery time.Duration
		simulate      bool
		showVersion   bool
	)

	flag.StringVar(&workoutPath, "workout", "", "Path to a .zwo/.mrc/.erg/.fit workout file")
	flag.StringVar(&configPath, "config", "veloride.yaml", "Path to YAML config file")
	flag.UintVar(&ftp, "ftp", 0, "Override FTP in watts")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address for Prometheus metrics exposure (e.g. :2112)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 5*time.Second, "Interval between progress snapshots (0=disabled)")
	flag.BoolVar(&simulate, "simulate", false, "Drive the session with a simulated trainer adapter")
	flag.BoolVar(&showVersion, "version", false, "Show version info")
	flag.Parse()

	if showVersion {
		fmt.Println("veloride session core CLI")
		return
	}
	if workoutPath == "" {
		fmt.Println("No workout provided. Use -workout. Example: -workout sweetspot.zwo")
		os.Exit(1)
	}

	fileCfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := engine.FromFile(fileCfg)
	if ftp > 0 {
		cfg.FTP = uint16(ftp)
	}
	if metricsAddr != "" {
		cfg.MetricsEnabled = true
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	eng.RegisterEventObserver(func(ev engine.TelemetryEvent) {
		log.Printf("[%s] %s %v", ev.Category, ev.Type, ev.Labels)
	})

	if metricsAddr != "" {
		if h := eng.MetricsHandler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Printf("metrics listener: %v", err)
				}
			}()
		}
	}

	if err := eng.LoadWorkoutFile(workoutPath); err != nil {
		log.Fatalf("load workout: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; stopping ride...")
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	if err := eng.StartRide(); err != nil {
		log.Fatalf("start ride: %v", err)
	}

	if simulate {
		go simulateTrainer(ctx, eng)
	}

	var snapshotC <-chan time.Time
	if snapshotEvery > 0 {
		ticker := time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		snapshotC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotC:
			snap := eng.Snapshot()
			if snap.Workout != nil && snap.Workout.Status == models.StatusCompleted {
				printSummary(snap)
				return
			}
			printProgress(snap)
		}
	}
}

// simulateTrainer plays a smart trainer that settles onto the ERG target
// with a little lag and noise-free cadence.
func simulateTrainer(ctx context.Context, eng *engine.Engine) {
	eng.Submit(models.Discovered(models.SensorDesc{DeviceID: "sim-trainer", Name: "Simulated Trainer", Kind: models.SensorTrainer, Protocol: "sim"}))
	eng.Submit(models.ConnectionChanged("sim-trainer", models.ConnConnected))

	current := 100.0
	cadence := uint8(90)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := eng.Snapshot()
			target := 100.0
			if snap.Workout != nil && snap.Workout.SegmentProgress != nil {
				target = float64(snap.Workout.SegmentProgress.TargetPower)
			}
			current += (target - current) * 0.4
			p := uint16(current + 0.5)
			speed := 8.0 + current/50
			eng.Submit(models.Data(models.Reading{
				DeviceID: "sim-trainer", Kind: models.SensorTrainer, Timestamp: time.Now(),
				PowerWatts: &p, CadenceRPM: &cadence, SpeedMPS: &speed,
			}))
		}
	}
}

func printProgress(snap engine.Snapshot) {
	if snap.Workout == nil {
		return
	}
	st := snap.Workout
	if st.SegmentProgress != nil {
		log.Printf("t=%ds segment=%d target=%dW remaining=%ds",
			st.TotalElapsedSeconds, st.SegmentProgress.SegmentIndex,
			st.SegmentProgress.TargetPower, st.SegmentProgress.RemainingSeconds)
	}
	if snap.Ride != nil {
		log.Printf("  avg=%.0fW np=%.0fW dist=%.0fm kcal=%.0f",
			snap.Ride.Stats.AvgPowerWatts, snap.Ride.Stats.NormalizedPower,
			snap.Ride.Stats.DistanceM, snap.Ride.Stats.CaloriesKcal)
	}
}

func printSummary(snap engine.Snapshot) {
	log.Println("workout completed")
	if data, err := json.MarshalIndent(snap.PDC, "", "  "); err == nil {
		fmt.Printf("lifetime PDC:\n%s\n", data)
	}
}
