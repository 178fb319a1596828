package main

import (
	"flag"
	"log"
	"os"

	"usblens/internal/api"
	"usblens/internal/config"
	"usblens/internal/pipeline"
	"usblens/internal/source"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file.")
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
	if flag.NArg() >= 1 {
		src, err = source.OpenFile(flag.Arg(0))
		if err != nil {
			log.Fatalf("Failed to open capture file: %v", err)
		}
		log.Printf("Serving capture file '%s'.", flag.Arg(0))
	} else {
		src, err = source.NewNATSSource(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Buffer)
		if err != nil {
			log.Fatalf("Failed to subscribe to NATS: %v", err)
		}
		log.Printf("Serving live capture from NATS subject '%s'.", cfg.NATS.Subject)
	}

	pipe := pipeline.New(src, cfg.Capture.MaxPackets, cfg.Capture.QueueSize)
	pipe.Start()

	go func() {
		for e := range pipe.Errors() {
			if e.Stack != nil {
				log.Printf("Worker failed: %v\n%s", e.Err, e.Stack)
			} else {
				log.Printf("Capture failed: %v", e.Err)
			}
		}
	}()

	server := api.NewServer(pipe.Store(), pipe.Devices())
	if err := server.Run(cfg.API.Addr); err != nil {
		log.Printf("API server failed: %v", err)
		os.Exit(1)
	}
}
