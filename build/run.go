package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

func (b *Builder) diskEnabled() bool {
	return b.cfg.Run.Disk != "" && b.cfg.Run.Disk != NoDisk
}

// Disk creates the FAT16 disk image attached to the emulator as the ATA
// primary master. An existing image is left untouched since the kernel may
// have written to it.
func (b *Builder) Disk(ctx context.Context) error {
	if !b.diskEnabled() {
		return nil
	}

	disk := b.cfg.Run.Disk
	log := b.log.WithFields(logrus.Fields{"step": "disk", "artifact": disk})

	if _, err := os.Stat(disk); err == nil {
		log.Debug("disk image exists")
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	log.WithField("size", b.cfg.Run.DiskSize).Info("creating disk image")
	if err := b.run(ctx, nil, b.cfg.Tools.QemuImg, "create", "-f", "raw", disk, b.cfg.Run.DiskSize); err != nil {
		os.Remove(disk)
		return err
	}
	if err := b.run(ctx, nil, b.cfg.Tools.Mkfs, "-F", "16", disk); err != nil {
		os.Remove(disk)
		return err
	}
	return nil
}

// Emulator returns the configured emulator binary.
func (b *Builder) Emulator() string {
	if b.cfg.Run.Emulator != "" {
		return b.cfg.Run.Emulator
	}
	return b.arch.Emulator
}

// EmulatorArgs returns the emulator command line. With waitDebugger the
// emulator starts halted and listens for a remote debugger.
func (b *Builder) EmulatorArgs(waitDebugger bool) ([]string, error) {
	args := []string{"-cdrom", b.ISOPath()}
	if b.diskEnabled() {
		args = append(args, "-drive", "format=raw,file="+b.cfg.Run.Disk+",if=ide,index=0,media=disk")
	}
	if b.cfg.Run.Memory != "" {
		args = append(args, "-m", b.cfg.Run.Memory)
	}

	extra, err := splitArgs(b.cfg.Run.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: run.args: %v", ErrBadConfig, err)
	}
	args = append(args, extra...)

	if waitDebugger {
		args = append(args, "-gdb", "tcp::"+strconv.Itoa(b.cfg.Run.GDBPort), "-S")
	}
	return args, nil
}

// Run builds the ISO and boots it in the emulator.
func (b *Builder) Run(ctx context.Context, waitDebugger bool) error {
	if err := b.ISO(ctx); err != nil {
		return err
	}
	if err := b.Disk(ctx); err != nil {
		return err
	}

	args, err := b.EmulatorArgs(waitDebugger)
	if err != nil {
		return err
	}
	if waitDebugger {
		b.log.WithField("port", b.cfg.Run.GDBPort).Info("waiting for debugger")
	}
	return b.runInteractive(ctx, b.Emulator(), args...)
}

// DebuggerArgs returns the debugger command line.
func (b *Builder) DebuggerArgs() ([]string, error) {
	args := []string{
		"-q",
		"-ex", "file " + b.KernelPath(),
		"-ex", fmt.Sprintf("target remote localhost:%d", b.cfg.Run.GDBPort),
	}

	extra, err := splitArgs(b.cfg.Run.GDBArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: run.gdb_args: %v", ErrBadConfig, err)
	}
	return append(args, extra...), nil
}

// Debug attaches the debugger to an emulator started with Run(ctx, true).
func (b *Builder) Debug(ctx context.Context) error {
	if err := b.Kernel(ctx); err != nil {
		return err
	}

	args, err := b.DebuggerArgs()
	if err != nil {
		return err
	}
	return b.runInteractive(ctx, b.cfg.Tools.Debugger, args...)
}
