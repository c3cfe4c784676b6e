// Command kernel boots the educational kernel over a pair of disk
// images and drives it with a tiny line-oriented command loop,
// standing in for an interactive shell: each line typed is handed to
// (*kernel.Kernel).Exec exactly the way a real shell's fork+exec would
// hand a command line to process_execute.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"eduos/kernel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "boot the educational kernel over a pair of disk images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), metricsAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML file of boot parameters (flags take precedence)")
	flags.Bool("mlfqs", false, "schedule with the multilevel-feedback-queue policy instead of plain priority")
	flags.Bool("format", false, "reformat the filesystem and swap images before mounting")
	flags.String("fs-image", "fs.img", "filesystem disk image path")
	flags.String("swap-image", "swap.img", "swap disk image path")
	flags.Int("fs-sectors", 8192, "filesystem partition size, in 512-byte sectors")
	flags.Int("swap-slots", 256, "swap partition size, in page-sized slots")
	flags.Int("frame-capacity", 256, "number of user frames the frame table manages")
	flags.Int("console-buf", 4096, "console ring buffer capacity, in bytes")
	flags.Int("tick-ms", 10, "timer-tick driver interval, in milliseconds")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")

	return cmd
}

func run(flags *pflag.FlagSet, metricsAddr string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("component", "main")

	cfg, err := kernel.LoadConfig(flags)
	if err != nil {
		return err
	}

	k, err := kernel.Boot(*cfg, entry)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(k.Met.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				entry.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	k.SpawnInit("init")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go commandLoop(k, entry, done)

	select {
	case <-ctx.Done():
	case <-done:
	}

	entry.Info("shutting down")
	return k.Shutdown(context.Background())
}

// commandLoop reads one command line per input line from stdin and
// execs it to completion, printing its exit status, until stdin is
// closed or a line of exactly "halt" is seen (the HALT syscall's
// effect, driven from outside the process the way a real shell would
// observe it).
func commandLoop(k *kernel.Kernel, log *logrus.Entry, done chan<- struct{}) {
	defer close(done)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if line == "halt" {
			return
		}
		status, err := k.Exec(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			log.WithError(err).WithField("cmdline", line).Warn("exec failed")
			continue
		}
		fmt.Printf("%s: exit(%d)\n", line, status)
	}
}
