package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/joho/godotenv"

	"murmur/agent"
	"murmur/artifact"
	"murmur/audio"
	"murmur/clipboard"
	"murmur/encoder"
	"murmur/history"
	"murmur/hotkey"
	"murmur/log"
	"murmur/pipeline"
	"murmur/session"
	"murmur/settings"
	"murmur/shutdown"
	"murmur/surface"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "murmur"), nil
	}
	xdg := os.Getenv("XDG_DATA_HOME")
	if xdg == "" {
		xdg = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(xdg, "murmur"), nil
}

func run() error {
	listenFlag := flag.String("listen", "", "Listen address for surfaces (overrides settings)")
	settingsFlag := flag.String("settings", "", "Settings file path (default: OS-specific location)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	langFlag := flag.String("lang", "", "Language code for transcription (overrides settings)")
	autocopyFlag := flag.Bool("autocopy", true, "Copy finished results to the clipboard")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("murmur %s\n", version)
		return nil
	}

	// a .env next to the binary is a convenience, not a requirement
	godotenv.Load()

	logDir, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		return fmt.Errorf("resolve log directory: %w", err)
	}
	log.SetDir(logDir)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	settingsPath := *settingsFlag
	if settingsPath == "" {
		settingsPath, err = settings.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve settings path: %w", err)
		}
	}
	st, err := settings.Load(settingsPath)
	if err != nil {
		return err
	}
	if *langFlag != "" {
		st.Language = *langFlag
	}
	if *listenFlag != "" {
		st.Listen = *listenFlag
	}
	if *deviceFlag != "" {
		st.Device = *deviceFlag
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "autocopy" {
			st.AutoCopy = *autocopyFlag
		}
	})

	st.Credentials.FillFromEnv()
	if st.Credentials.STTAPIKey == "" {
		return fmt.Errorf("no speech-to-text API key: set GROQ_API_KEY or MURMUR_STT_API_KEY")
	}

	registry := agent.NewRegistry()
	if err := registry.Load(st.Agents); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	if st.SelectedAgent == "" {
		if enabled := registry.Enabled(); len(enabled) > 0 {
			st.SelectedAgent = enabled[0].ID
		}
	}

	dir, err := dataDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	hist, err := history.Open(filepath.Join(dir, "history.db"), st.MaxHistoryEntries)
	if err != nil {
		return err
	}
	defer hist.Close()

	artifacts, err := artifact.NewStore(filepath.Join(dir, "audio"))
	if err != nil {
		return err
	}

	audioCtx, err := audio.NewContext()
	if err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer audioCtx.Close()

	var device *audio.DeviceInfo
	if *setupFlag {
		device, err = audio.SelectDevice(audioCtx)
		if err != nil {
			log.Warnf("device selection failed, using default: %v", err)
		}
		if device != nil {
			st.Device = device.Name
		}
	} else if st.Device != "" {
		devices, err := audioCtx.Devices()
		if err != nil {
			return fmt.Errorf("enumerate devices: %w", err)
		}
		for i := range devices {
			if devices[i].Name == st.Device {
				device = &devices[i]
				break
			}
		}
		if device == nil {
			log.Warnf("device %q not found, using default", st.Device)
		}
	}
	if device != nil && audio.IsBluetooth(device.Name) {
		fmt.Println("Warning: bluetooth microphones often capture at reduced quality")
	}

	engine := audio.NewEngine(audioCtx, audio.EngineConfig{
		Capture: audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels},
	}, artifacts)

	machine := session.New(session.Config{
		Registry:     registry,
		History:      hist,
		Artifacts:    artifacts,
		Engine:       engine,
		Transcriber:  pipeline.NewWhisper(st.Credentials.STTAPIKey),
		Completer:    pipeline.NewChat(st.Credentials.CompletionAPIKey),
		Settings:     st,
		SettingsPath: settingsPath,
		Device:       device,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	shutdown.Notify(sigCh)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go machine.Run(ctx)

	// the daemon itself is a surface: it mirrors finished results onto the
	// clipboard when auto-copy is on
	if st.AutoCopy {
		_, err := machine.Attach(ctx, func(ev session.Event) error {
			if ev.Kind != session.EventHistory || ev.Entry == nil {
				return nil
			}
			text := ev.Entry.Response
			if ev.Entry.Partial() {
				text = ev.Entry.Transcription
			}
			if text != "" {
				if err := clipboard.Copy(text); err != nil {
					log.Warnf("clipboard copy failed: %v", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	go func() {
		err := hotkey.Listen(ctx, hotkey.New(), func() {
			if err := machine.Do(ctx, session.ToggleRecording{}); err != nil {
				log.Warnf("hotkey toggle rejected: %v", err)
			}
		})
		if err != nil {
			log.Errorf("hotkey unavailable: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: global hotkey unavailable: %v\n", err)
		}
	}()

	fmt.Printf("murmur %s listening on %s (Ctrl+Shift+Space to dictate)\n", version, st.Listen)
	return surface.New(machine, registry, hist).Serve(ctx, st.Listen)
}
