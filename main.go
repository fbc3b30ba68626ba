/*
Viewer that loads an OBJ scene, builds its acceleration structures and
renders it with the frame pipeline of the engine package.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	headless := flag.Bool("headless", false, "render without a window")
	frames := flag.Uint64("frames", 0, "stop after this many frames")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			core.LogFatal(err.Error())
		}
	}
	if *headless {
		cfg.Application.Headless = true
	}
	if *frames > 0 {
		cfg.Application.MaxFrames = *frames
	}
	core.SetLogLevel(core.ParseLogLevel(cfg.Log.Level))

	e, err := engine.New(cfg)
	if err != nil {
		core.LogFatal(err.Error())
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("failed to initialize: %s", err)
	}

	// capture sigterm and other system calls here
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		core.LogFatal(runErr.Error())
	}
}
