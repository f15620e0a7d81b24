//go:build mage

package main

import (
	"context"
	"os"

	"github.com/itamar567/os/build"
	"github.com/magefile/mage/mg"
	"github.com/sirupsen/logrus"
)

// Default target: link the kernel image.
var Default = Kernel

// builder is shared by all targets and set up by configure.
var builder *build.Builder

// configure loads the configuration named by $KERNIMG_CONFIG (default
// kernimg.yaml). $ARCH overrides the configured architecture.
func configure() error {
	path := os.Getenv("KERNIMG_CONFIG")
	if path == "" {
		path = build.DefaultConfigFile
	}

	cfg, err := build.LoadConfig(path)
	if err != nil {
		return err
	}
	if arch := os.Getenv("ARCH"); arch != "" {
		cfg.Arch = arch
	}

	log := logrus.New()
	if mg.Verbose() {
		log.SetLevel(logrus.DebugLevel)
	}

	builder, err = build.New(cfg, log)
	return err
}

// Emit the multiboot2 header object.
func Header(ctx context.Context) error {
	mg.CtxDeps(ctx, configure)
	_, err := builder.Header(ctx)
	return err
}

// Link the kernel image and verify it.
func Kernel(ctx context.Context) error {
	mg.CtxDeps(ctx, configure)
	return builder.Kernel(ctx)
}

// Build the bootable ISO.
func Iso(ctx context.Context) error {
	mg.CtxDeps(ctx, configure)
	return builder.ISO(ctx)
}

// Boot the ISO in qemu. Set WAIT_GDB=1 to start halted and wait for a
// debugger.
func Run(ctx context.Context) error {
	mg.CtxDeps(ctx, configure)
	return builder.Run(ctx, os.Getenv("WAIT_GDB") != "")
}

// Attach gdb to a qemu instance waiting for a debugger.
func Gdb(ctx context.Context) error {
	mg.CtxDeps(ctx, configure)
	return builder.Debug(ctx)
}

// Remove build outputs.
func Clean() error {
	mg.Deps(configure)
	return builder.Clean()
}
