package build

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/magefile/mage/target"
	"github.com/sirupsen/logrus"
)

// isoKernelPath is where the kernel is staged inside the ISO tree.
const isoKernelPath = "/boot/kernel.bin"

var grubCfgTmpl = template.Must(template.New("grub.cfg").Parse(`set timeout={{.Timeout}}
set default=0

menuentry "{{.MenuEntry}}" {
	multiboot2 {{.Kernel}}{{if .Cmdline}} {{.Cmdline}}{{end}}
	boot
}
`))

// GrubConfig renders the grub.cfg that boots the kernel with multiboot2.
func GrubConfig(iso ISOConfig) ([]byte, error) {
	var buf bytes.Buffer
	err := grubCfgTmpl.Execute(&buf, struct {
		ISOConfig
		Kernel string
	}{iso, isoKernelPath})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ISO builds the kernel and wraps it in a bootable GRUB rescue image.
func (b *Builder) ISO(ctx context.Context) error {
	if err := b.Kernel(ctx); err != nil {
		return err
	}

	kernel, err := os.ReadFile(b.KernelPath())
	if err != nil {
		return err
	}
	stagedKernel := filepath.Join(b.isoDir(), filepath.FromSlash(isoKernelPath))
	if _, err := writeIfChanged(stagedKernel, kernel); err != nil {
		return err
	}

	grubCfg, err := GrubConfig(b.cfg.ISO)
	if err != nil {
		return err
	}
	stagedCfg := filepath.Join(b.isoDir(), "boot", "grub", "grub.cfg")
	if _, err := writeIfChanged(stagedCfg, grubCfg); err != nil {
		return err
	}

	iso := b.ISOPath()
	log := b.log.WithFields(logrus.Fields{"step": "iso", "artifact": iso})

	stale, err := target.Path(iso, stagedKernel, stagedCfg)
	if err != nil {
		return err
	}
	if !stale {
		log.Info("iso is up to date")
		return nil
	}

	tmp := iso + ".tmp"
	env := map[string]string{
		"SOURCE_DATE_EPOCH": strconv.FormatInt(b.cfg.ISO.SourceDateEpoch, 10),
	}
	log.Info("creating iso")
	if err := b.run(ctx, env, b.cfg.Tools.Mkrescue, "-o", tmp, b.isoDir()); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, iso); err != nil {
		os.Remove(tmp)
		return err
	}

	log.Info("iso created")
	return nil
}
