// laserhost streams laser jobs to a GRBL-class controller.
//
// It loads a YAML job document, reorders the paths to minimize travel,
// compiles them into controller commands and streams them under
// byte-counted flow control, with live status and override control over
// an HTTP/WebSocket API.
//
// Usage:
//
//	laserhost -job cut.yaml -device /dev/ttyUSB0 [options]
//
// Options:
//
//	-job string       Job document (required unless -frame-only with -job)
//	-machine string   Machine profile YAML (default: built-in profile)
//	-device string    Serial device path
//	-baud int         Serial baud rate (default 115200)
//	-tcp string       Connect to a simulator at host:port instead
//	-socket string    Connect to a simulator Unix socket instead
//	-api string       HTTP API listen address (default ":8160", empty disables)
//	-dry-run          Compile and estimate only, print the program
//	-frame            Trace the job bounding box before burning
//	-home             Run the homing cycle before the job
//	-strict-layers    Keep layer order, optimize within layers only
//	-no-reverse       Never traverse a path from its exit point
//	-no-improve       Skip the post-greedy improvement pass
//	-logfile string   Log file path (default: stderr)
//	-loglevel string  DEBUG, INFO, WARN, ERROR (default INFO)
//
// Examples:
//
//	# Estimate without a machine
//	laserhost -job cut.yaml -dry-run
//
//	# Burn over a real port
//	laserhost -job cut.yaml -device /dev/ttyUSB0
//
//	# Burn against the simulator
//	laserhost -job cut.yaml -tcp 127.0.0.1:8333
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"laserhost/pkg/api"
	"laserhost/pkg/compile"
	"laserhost/pkg/estimate"
	"laserhost/pkg/grbl"
	"laserhost/pkg/log"
	"laserhost/pkg/machine"
	"laserhost/pkg/planner"
	"laserhost/pkg/profile"
	"laserhost/pkg/serial"
)

func main() {
	jobFile := flag.String("job", "", "Job document YAML (required)")
	machineFile := flag.String("machine", "", "Machine profile YAML")
	device := flag.String("device", "", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	tcpAddr := flag.String("tcp", "", "Simulator TCP address (host:port)")
	socketPath := flag.String("socket", "", "Simulator Unix socket path")
	apiAddr := flag.String("api", ":8160", "HTTP API listen address (empty disables)")
	dryRun := flag.Bool("dry-run", false, "Compile and estimate only")
	frame := flag.Bool("frame", false, "Trace the job bounding box before burning")
	home := flag.Bool("home", false, "Run the homing cycle before the job")
	strictLayers := flag.Bool("strict-layers", false, "Keep layer order, optimize within layers only")
	noReverse := flag.Bool("no-reverse", false, "Never traverse a path from its exit point")
	noImprove := flag.Bool("no-improve", false, "Skip the post-greedy improvement pass")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	logLevel := flag.String("loglevel", "", "DEBUG, INFO, WARN or ERROR")

	flag.Parse()

	logger := log.New("laserhost")
	log.ConfigureFromEnv(logger)
	if *logLevel != "" {
		logger.SetLevel(log.ParseLevel(*logLevel))
	}
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
		logger.SetColorize(false)
	}

	if *jobFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -job is required")
		flag.Usage()
		os.Exit(1)
	}

	m := profile.Default()
	if *machineFile != "" {
		var err error
		m, err = profile.LoadMachine(*machineFile)
		if err != nil {
			logger.Error("load machine profile: %v", err)
			os.Exit(1)
		}
	}

	j, err := loadJob(*jobFile)
	if err != nil {
		logger.Error("load job: %v", err)
		os.Exit(1)
	}
	j.SetProfile(m)

	opts := planner.DefaultOptions()
	opts.StrictLayerOrder = *strictLayers
	opts.AllowReverse = !*noReverse
	opts.Improve = !*noImprove

	plan := planner.Optimize(j, opts)
	prog, err := compile.Compile(j, plan, m)
	if err != nil {
		logger.Error("compile: %v", err)
		os.Exit(1)
	}

	logger.WithFields(log.Fields{
		"paths":    len(plan.Steps),
		"travel":   fmt.Sprintf("%.1fmm", plan.TravelDistance),
		"burn":     fmt.Sprintf("%.1fmm", plan.BurnDistance),
		"estimate": prog.Estimate.Total().Round(time.Second).String(),
	}).Info("job compiled")

	if *dryRun {
		fmt.Print(prog.Text())
		printEstimate(prog.Estimate)
		return
	}

	transport, err := openTransport(*device, *baud, *tcpAddr, *socketPath)
	if err != nil {
		logger.Error("open transport: %v", err)
		os.Exit(1)
	}

	session, err := machine.Connect(transport, m.RxBufferSize, machine.Options{
		Logger: logger.WithPrefix("machine"),
	})
	if err != nil {
		logger.Error("connect: %v", err)
		os.Exit(1)
	}
	defer session.Disconnect()

	var apiServer *api.Server
	if *apiAddr != "" {
		apiServer = api.New(api.Config{
			Addr:       *apiAddr,
			Controller: session,
			Logger:     logger.WithPrefix("api"),
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Warn("api server stopped: %v", err)
			}
		}()
		defer apiServer.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received %v, aborting", sig)
		cancel()
	}()

	if *home {
		if err := session.Home(ctx); err != nil {
			logger.Error("home: %v", err)
			os.Exit(1)
		}
		if err := waitSettled(session, 2*time.Minute); err != nil {
			logger.Error("homing failed: %v", err)
			os.Exit(1)
		}
	}

	if *frame {
		if err := session.Frame(ctx, j.Bounds(), m); err != nil {
			logger.Error("frame: %v", err)
			os.Exit(1)
		}
		if err := waitSettled(session, time.Minute); err != nil {
			logger.Error("framing failed: %v", err)
			os.Exit(1)
		}
	}

	reportProgress(session, logger)

	if err := session.RunJob(ctx, prog); err != nil {
		logger.Error("job failed: %v", err)
		os.Exit(1)
	}
	logger.Info("job finished")
}

// openTransport selects the transport from the mutually exclusive flags.
func openTransport(device string, baud int, tcpAddr, socketPath string) (serial.Transport, error) {
	switch {
	case tcpAddr != "":
		return serial.OpenTCP(tcpAddr, 30*time.Second)
	case socketPath != "":
		return serial.OpenSocket(socketPath, 30*time.Second)
	case device != "":
		cfg := serial.DefaultConfig()
		cfg.Device = device
		cfg.BaudRate = baud
		return serial.Open(cfg)
	default:
		return nil, fmt.Errorf("one of -device, -tcp or -socket is required")
	}
}

func printEstimate(e estimate.Estimate) {
	fmt.Fprintf(os.Stderr, "travel %.1f mm, burn %.1f mm, estimated %s (motion %s + dwell %s)\n",
		e.TravelDistance, e.BurnDistance,
		e.Total().Round(time.Second),
		e.Motion.Round(time.Second),
		e.Dwell.Round(time.Second))
}

// reportProgress logs streaming progress at a coarse cadence.
func reportProgress(session *machine.Session, logger *log.Logger) {
	events, cancel := session.Subscribe()
	go func() {
		defer cancel()
		var lastPct int = -1
		for ev := range events {
			if ev.Kind != machine.EventProgress || ev.Progress == nil || ev.Progress.Total == 0 {
				continue
			}
			pct := ev.Progress.Acked * 100 / ev.Progress.Total
			if pct/5 != lastPct/5 {
				lastPct = pct
				logger.Info("progress %d%% (%d/%d lines, ~%s remaining)",
					pct, ev.Progress.Acked, ev.Progress.Total,
					ev.Progress.Remaining.Round(time.Second))
			}
		}
	}()
}

// waitSettled blocks until the session is Idle again, treating an Alarm as
// failure.
func waitSettled(session *machine.Session, timeout time.Duration) error {
	if err := session.WaitForState(timeout, grbl.StatusIdle, grbl.StatusAlarm); err != nil {
		return err
	}
	if session.State() == grbl.StatusAlarm {
		_, lastErr := session.Degraded()
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("controller raised an alarm")
	}
	return nil
}
