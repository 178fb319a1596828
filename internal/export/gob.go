package export

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"usblens/internal/capture"
)

// GroupSnapshot is one closed group flattened for serialization.
type GroupSnapshot struct {
	DeviceAddress uint8
	Endpoint      uint8
	Direction     string
	Kind          string
	Status        string
	Transactions  uint64
	ByteCount     uint64
	StartNs       uint64
	Summary       string
}

// SummaryData is the metadata written alongside each snapshot.
type SummaryData struct {
	TotalPackets      uint64 `json:"total_packets"`
	TotalTransactions uint64 `json:"total_transactions"`
	TotalGroups       uint64 `json:"total_groups"`
	TotalDevices      uint64 `json:"total_devices"`
	Complete          bool   `json:"complete"`
	Timestamp         string `json:"timestamp"`
}

// GobWriter writes capture snapshots to timestamped directories in gob
// format with a JSON summary file.
type GobWriter struct {
	rootPath string
	interval time.Duration
}

// NewGobWriter creates a snapshot writer rooted at the given path.
func NewGobWriter(rootPath string, interval time.Duration) *GobWriter {
	return &GobWriter{rootPath: rootPath, interval: interval}
}

// GetInterval returns the configured snapshot interval.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

// Write serializes the closed groups of the store into a timestamped
// snapshot directory.
func (w *GobWriter) Write(store *capture.Store, timestamp string) error {
	snap := store.TakeSnapshot()
	snapshotDir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	var groups []GroupSnapshot
	for i := uint64(0); i < snap.Items; i++ {
		g, err := store.ItemGroup(i)
		if err != nil {
			return err
		}
		if g.Meta == nil {
			continue
		}
		ep, err := store.EndpointAt(g.Endpoint)
		if err != nil {
			return err
		}
		summary, err := store.GroupSummary(g.Meta)
		if err != nil {
			return err
		}
		start, _ := groupStartNs(store, g)
		groups = append(groups, GroupSnapshot{
			DeviceAddress: ep.DevAddress,
			Endpoint:      ep.Number,
			Direction:     ep.Direction.String(),
			Kind:          g.Meta.Kind.String(),
			Status:        g.Meta.Status.String(),
			Transactions:  g.TransactionCount,
			ByteCount:     g.Meta.Payload.Len(),
			StartNs:       start,
			Summary:       summary,
		})
	}

	groupsPath := filepath.Join(snapshotDir, "groups.dat")
	file, err := os.Create(groupsPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", groupsPath, err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(groups); err != nil {
		return fmt.Errorf("failed to encode groups to gob: %w", err)
	}

	summary := SummaryData{
		TotalPackets:      snap.Packets,
		TotalTransactions: snap.Transactions,
		TotalGroups:       snap.Items,
		TotalDevices:      snap.Devices,
		Complete:          snap.Complete,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	summaryPath := filepath.Join(snapshotDir, "summary.json")
	summaryFile, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()
	enc := json.NewEncoder(summaryFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}
