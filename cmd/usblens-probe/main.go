package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"usblens/internal/config"
	"usblens/internal/source"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file.")
	file := flag.String("file", "", "Capture file to replay into NATS.")
	iface := flag.String("iface", "", "Interface to capture from (LINKTYPE_USB_2_0).")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	var src source.Source
	var err error
	switch {
	case *file != "":
		src, err = source.OpenFile(*file)
	case *iface != "":
		src, err = source.OpenLive(*iface)
	default:
		log.Println("Error: one of -file or -iface is required.")
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Failed to open capture source: %v", err)
	}

	pub, err := source.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Interrupted, cancelling capture...")
		src.Cancel()
	}()

	log.Printf("Publishing capture events to '%s'...", cfg.NATS.Subject)
	count := 0
	for {
		ev := src.Next()
		if err := pub.Publish(ev); err != nil {
			log.Fatalf("Failed to publish event: %v", err)
		}
		if ev.Kind == source.EventEnd {
			log.Printf("Capture ended (%s) after %d events.", ev.Reason, count)
			return
		}
		count++
	}
}
