//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the viewer with config.toml when present.
func (Run) Viewer() error {
	args := []string{"run", "."}
	if _, err := os.Stat("config.toml"); err == nil {
		args = append(args, "-config", "config.toml")
	}
	fmt.Println("Run viewer...")
	if _, err := executeCmd("go", withArgs(args...), withStream()); err != nil {
		return err
	}
	return nil
}

// Renders a fixed number of frames without a window.
func (Run) Headless() error {
	mg.Deps(Build.Viewer)
	_, err := executeCmd("bin/viewer", withArgs("-headless", "-frames", "120"), withStream())
	return err
}
