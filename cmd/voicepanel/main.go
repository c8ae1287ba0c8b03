package main

import (
	"context"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ent0n29/voicebridge/internal/app"
	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/client"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/panel"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	url, err := cfg.StreamURL()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.NewFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	app.PrintBanner(os.Stdout, "VOICEPANEL")

	opts := client.Options{
		URL: url,
		Source: audio.FFmpegSource{
			Binary: cfg.FFmpegPath,
			Device: cfg.InputDevice,
		},
		Capture: audio.CaptureConfig{
			SampleRate:       audio.CaptureSampleRate,
			Window:           audio.CaptureWindow,
			EchoCancellation: cfg.EchoCancellation,
			NoiseSuppression: cfg.NoiseSuppression,
		},
		RecordPath: cfg.RecordPath,
		Log:        logging.Component(logger, "client"),
	}
	if sink, err := audio.NewFFPlaySink(cfg.FFplayPath, audio.PlaybackSampleRate); err != nil {
		fmt.Fprintf(os.Stderr, "playback disabled: %v\n", err)
	} else {
		opts.Sink = sink
	}

	sess := client.New(opts)
	if err := sess.Start(context.Background()); err != nil {
		log.Fatalf("voice session: %v", err)
	}

	program := tea.NewProgram(panel.New(sess, cfg.ProjectID), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		sess.Stop()
		log.Fatalf("panel error: %v", err)
	}
	sess.Stop()
	<-sess.Done()
}
