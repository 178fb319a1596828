package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"usblens/internal/config"
	"usblens/internal/pipeline"
	"usblens/internal/source"
	"usblens/internal/view"
	"usblens/pkg/pcapfile"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file.")
	savePath := flag.String("save", "", "Re-save the capture to this path after decoding.")
	format := flag.String("format", "pcap", "Save format: 'pcap' or 'pcapng'.")
	maxRows := flag.Uint64("rows", 50, "Maximum top-level rows to print.")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: usblens [flags] <capture.pcap|capture.pcapng>")
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	state, err := config.LoadUIState()
	if err == nil {
		state.LastOpenDir = filepath.Dir(path)
	}

	src, err := source.OpenFile(path)
	if err != nil {
		log.Fatalf("Failed to open capture file: %v", err)
	}
	log.Printf("Reading packets from '%s'...", path)

	pipe := pipeline.New(src, cfg.Capture.MaxPackets, cfg.Capture.QueueSize)
	pipe.Start()
	pipe.Wait()
	for e := range pipe.Errors() {
		if e.Stack != nil {
			log.Printf("Worker failed: %v\n%s", e.Err, e.Stack)
		} else {
			log.Printf("Capture failed: %v", e.Err)
		}
		os.Exit(1)
	}

	store := pipe.Store()
	snap := store.TakeSnapshot()
	log.Printf("Decoded %d packets, %d transactions, %d groups, %d devices.",
		snap.Packets, snap.Transactions, snap.Items, snap.Devices)

	printRows(pipe, *maxRows)

	if *savePath != "" {
		f := pcapfile.FormatPcap
		if *format == "pcapng" {
			f = pcapfile.FormatPcapng
		}
		finalPath, err := pipe.Save(*savePath, f)
		if err != nil {
			log.Fatalf("Failed to save capture: %v", err)
		}
		log.Printf("Saved capture to '%s'.", finalPath)
		if state != nil {
			state.LastSaveDir = filepath.Dir(finalPath)
		}
	}
	if state != nil {
		if err := config.SaveUIState(state); err != nil {
			log.Printf("Failed to persist UI state: %v", err)
		}
	}
}

// printRows renders the top of the hierarchical view, with device
// identification below it.
func printRows(pipe *pipeline.Pipeline, maxRows uint64) {
	model := view.NewHierarchy(pipe.Store())
	total := model.RowCount()
	count := total
	if count > maxRows {
		count = maxRows
	}
	for i := uint64(0); i < count; i++ {
		row, err := model.RowAt(i)
		if err != nil {
			log.Printf("Error reading row %d: %v", i, err)
			return
		}
		fmt.Printf("%12d ns  %s\n", row.TimestampNs, row.Text)
	}
	if total > count {
		fmt.Printf("... %d more rows\n", total-count)
	}

	for _, dev := range pipe.Devices().Snapshot() {
		if dev.Descriptor == nil && len(dev.Configurations) == 0 {
			continue
		}
		fmt.Printf("%s", dev.Describe())
		if cfg, ok := dev.Configurations[dev.ActiveConfig]; ok && dev.ConfigSet {
			fmt.Printf(", %d interfaces", len(cfg.InterfaceNumbers()))
		}
		fmt.Println()
	}
}
