// Command mkfs formats a fresh disk image with the fixed on-disk
// layout: sector 0 reserved, the root directory's inode at sector 1,
// and the free-sector bitmap's raw storage in the sectors that follow
// from sector 2. The bitmap has no inode of its own. There is no
// skeleton-directory copy-in step since this kernel's user-space is
// exercised through `kernel exec`, not a prebuilt disk skeleton.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"eduos/kernel"
)

func main() {
	flags := pflag.NewFlagSet("mkfs", pflag.ExitOnError)
	fsImage := flags.String("fs-image", "fs.img", "filesystem disk image to create")
	swapImage := flags.String("swap-image", "swap.img", "swap disk image to create")
	fsSectors := flags.Int("fs-sectors", 8192, "filesystem partition size, in 512-byte sectors")
	swapSlots := flags.Int("swap-slots", 256, "swap partition size, in page-sized slots")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logrus.New().WithField("component", "mkfs")

	cfg := kernel.BootConfig{
		FSImage:       *fsImage,
		SwapImage:     *swapImage,
		Format:        true,
		FSSectors:     *fsSectors,
		SwapSlots:     *swapSlots,
		FrameCapacity: 1,
		ConsoleBuf:    4096,
	}

	k, err := kernel.Boot(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("format failed")
	}
	if err := k.Shutdown(context.Background()); err != nil {
		log.WithError(err).Fatal("shutdown failed")
	}
	fmt.Printf("mkfs: wrote %s (%d sectors) and %s (%d slots)\n", *fsImage, *fsSectors, *swapImage, *swapSlots)
}
