package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"usblens/internal/config"
	"usblens/internal/export"
	"usblens/internal/pipeline"
	"usblens/internal/source"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML config file.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Falling back to defaults: %v", err)
		cfg = config.Default()
	}

	src, err := source.NewNATSSource(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Buffer)
	if err != nil {
		log.Fatalf("Failed to subscribe to NATS: %v", err)
	}

	pipe := pipeline.New(src, cfg.Capture.MaxPackets, cfg.Capture.QueueSize)
	pipe.Start()
	log.Println("Engine started, decoding capture events.")

	done := make(chan struct{})
	var exportWg sync.WaitGroup

	if cfg.ClickHouse.Enabled {
		writer, err := export.NewClickHouseWriter(cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to create ClickHouse writer: %v", err)
		}
		defer writer.Close()
		exportWg.Add(1)
		go func() {
			defer exportWg.Done()
			runExporter(writer.GetInterval(), done, func() {
				if err := writer.Export(pipe.Store()); err != nil {
					log.Printf("Error exporting to ClickHouse: %v", err)
				}
			})
		}()
		log.Printf("Started ClickHouse exporter with interval %s.", writer.GetInterval())
	}

	if cfg.Snapshot.Enabled {
		interval, err := time.ParseDuration(cfg.Snapshot.Interval)
		if err != nil {
			log.Fatalf("Invalid snapshot interval: %v", err)
		}
		writer := export.NewGobWriter(cfg.Snapshot.RootPath, interval)
		exportWg.Add(1)
		go func() {
			defer exportWg.Done()
			runExporter(writer.GetInterval(), done, func() {
				timestamp := time.Now().Format("2006-01-02_15-04-05")
				if err := writer.Write(pipe.Store(), timestamp); err != nil {
					log.Printf("Error writing snapshot: %v", err)
				}
			})
		}()
		log.Printf("Started snapshot writer with interval %s.", interval)
	}

	go func() {
		for e := range pipe.Errors() {
			if e.Stack != nil {
				log.Printf("Worker failed: %v\n%s", e.Err, e.Stack)
			} else {
				log.Printf("Capture failed: %v", e.Err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down engine...")
	pipe.Stop()
	close(done)
	exportWg.Wait()
	log.Println("Shutdown complete.")
}

// runExporter runs fn on the interval, with a final run on shutdown so
// nothing decoded is left unexported.
func runExporter(interval time.Duration, done <-chan struct{}, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-done:
			fn()
			return
		}
	}
}
