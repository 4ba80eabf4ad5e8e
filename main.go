package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"lumi/audio"
	"lumi/capture"
	"lumi/config"
	"lumi/history"
	"lumi/log"
	"lumi/playback"
	"lumi/session"
	"lumi/shutdown"
	"lumi/transport"
)

var version = "dev"

var shutdownOnce sync.Once

func gracefulShutdown(turns int) {
	shutdownOnce.Do(func() {
		if turns > 0 {
			log.SessionEnd(turns)
		}
		log.Close()
		transport.ResetShared()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func main() {
	run()
}

func run() {
	configFlag := flag.String("config", "", "Path to YAML config file")
	serverFlag := flag.String("server", "", "Server websocket URL (overrides config)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("lumi %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}

	// Resolve log directory early
	dirFlag := *logPathFlag
	if dirFlag == "" {
		dirFlag = cfg.LogDir
	}
	logPath, err := log.ResolveDir(dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	log.SessionStart(cfg.ServerURL)

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	var selectedDevice *audio.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := actx.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					selectedDevice = &devices[i]
					break
				}
			}
		}
		if selectedDevice == nil {
			fmt.Fprintf(os.Stderr, "Warning: device %q not found, using default\n", *deviceFlag)
		}
	} else if *setupFlag {
		selectedDevice, err = audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: device selection failed: %v\n", err)
			selectedDevice = nil
		}
	}

	historyPath := cfg.History.Path
	if historyPath == "" {
		historyPath = filepath.Join(log.Dir(), "history.json")
	}
	store, err := history.Load(historyPath, cfg.History.MaxEntries)
	if err != nil {
		log.Warnf("history unavailable: %v", err)
		store = nil
	}

	ch := transport.Shared(cfg.ServerURL)
	queue := playback.NewQueue(actx, cfg.Audio.OutputRate)
	defer queue.Close()
	beacon := newSilenceBeacon(cfg.Beacon)

	deps := session.Deps{
		Channel: ch,
		Queue:   queue,
		NewCapture: func(cb capture.Callbacks) session.CapturePipeline {
			return capture.New(actx, cb)
		},
		Device:     selectedDevice,
		OnActivity: beacon.Reset,
	}
	if store != nil {
		deps.History = store
	}
	machine := session.New(deps)

	deviceLine := "mic: system default"
	if selectedDevice != nil {
		deviceLine = "mic: " + selectedDevice.Name
	}

	actions := make(chan Action, 8)
	tuiMu.Lock()
	tuiProgram = NewTUIProgram(actions, "server: "+cfg.ServerURL, deviceLine)
	tuiMu.Unlock()

	turns := 0
	prevPhase := session.PhaseIdle
	var turnsMu sync.Mutex
	machine.Subscribe(func(s session.Snapshot) {
		turnsMu.Lock()
		if prevPhase == session.PhaseSpeaking && s.Phase == session.PhaseIdle {
			turns++
		}
		prevPhase = s.Phase
		turnsMu.Unlock()
		tuiSend(SnapshotMsg{Snap: s})
	})

	go func() {
		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
			os.Exit(1)
		}
		machine.Shutdown()
		turnsMu.Lock()
		n := turns
		turnsMu.Unlock()
		gracefulShutdown(n)
	}()

	// First connect attempt; failures surface through the machine's
	// connection listener and the user retries with r.
	go func() { _ = ch.Connect(context.Background()) }()

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for now := range ticker.C {
			beacon.advance(now)
			tuiSend(BeaconMsg{Silent: beacon.IsSilent(), Blink: beacon.ShouldBlink()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)

	for {
		select {
		case a := <-actions:
			switch a {
			case ActionToggleListen:
				switch machine.Snapshot().Phase {
				case session.PhaseIdle:
					machine.StartListening()
				case session.PhaseListening:
					machine.StopListening()
				}
				beacon.Reset()
			case ActionInterrupt:
				machine.Interrupt()
				beacon.Reset()
			case ActionRetryOrClear:
				snap := machine.Snapshot()
				if snap.Err != nil && snap.Err.Retryable {
					machine.Retry(context.Background())
				} else {
					machine.ClearError()
				}
				beacon.Reset()
			case ActionQuit:
				machine.Shutdown()
				turnsMu.Lock()
				n := turns
				turnsMu.Unlock()
				gracefulShutdown(n)
			}
		case <-sigChan:
			machine.Shutdown()
			turnsMu.Lock()
			n := turns
			turnsMu.Unlock()
			gracefulShutdown(n)
		}
	}
}
