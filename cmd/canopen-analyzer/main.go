package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/iota2/canopen-analyzer/internal/canbus"
	"github.com/iota2/canopen-analyzer/pkg/eds"
	"github.com/iota2/canopen-analyzer/pkg/processor"
	"github.com/iota2/canopen-analyzer/pkg/sniffer"
	"github.com/iota2/canopen-analyzer/pkg/stats"
)

const (
	defaultInterface = "vcan0"
	defaultBitrate   = 1_000_000
)

func main() {
	log.SetLevel(log.InfoLevel)

	iface := flag.String("i", defaultInterface, "CAN interface name, e.g. can0, vcan0")
	bitrate := flag.Int("b", defaultBitrate, "nominal bus bitrate in bit/s, used for utilization estimation")
	edsPath := flag.String("eds", "", "path to an EDS file describing the Object Dictionary")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.WithField("component", "analyzer")

	edsMap := eds.Parse(*edsPath, logger.WithField("component", "eds"))

	statsCfg := stats.DefaultConfig()
	statsCfg.BitrateHz = *bitrate
	statsEngine := stats.New(statsCfg, logger.WithField("component", "stats"))
	defer statsEngine.Stop()

	bus, err := canbus.New("socketcan", *iface)
	if err != nil {
		logger.Errorf("could not open interface %v: %v", *iface, err)
		os.Exit(1)
	}

	snif := sniffer.New(bus, 4096, 64, logger.WithField("component", "sniffer"))
	proc := processor.New(snif.Ingress(), 2048, statsEngine, edsMap, logger.WithField("component", "processor"))

	go proc.Run()
	go func() {
		for ev := range proc.Egress() {
			logger.Infof("%s [%s] %s=%s", ev.Time, ev.Class, ev.Name, ev.Decoded)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- snif.Run() }()

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Errorf("sniffer exited: %v", err)
			os.Exit(1)
		}
	}

	snif.Stop()
	proc.Stop()
}
