// Package export persists decoded capture summaries: batched transfer
// rows into ClickHouse, and gob snapshots onto disk.
package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"usblens/internal/capture"
	"usblens/internal/config"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS usb_transfers (
    Timestamp     DateTime,
    DeviceAddress UInt8,
    Endpoint      UInt8,
    Direction     String,
    Kind          String,
    Status        String,
    Transactions  UInt64,
    ByteCount     UInt64,
    StartNs       UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (DeviceAddress, Endpoint, Timestamp);
`

// ClickHouseWriter exports closed groups to ClickHouse in batches. It
// remembers how far into the item list it has exported, so each Export
// call writes only new rows.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
	exported uint64
}

// NewClickHouseWriter connects and ensures the table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("invalid export interval: %w", err)
	}
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")
	return &ClickHouseWriter{conn: conn, interval: interval}, nil
}

// GetInterval returns the configured export interval.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Export batches every newly closed group into the table.
func (w *ClickHouseWriter) Export(store *capture.Store) error {
	snap := store.TakeSnapshot()
	if w.exported >= snap.Items {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO usb_transfers")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	now := time.Now()
	count := 0
	for i := w.exported; i < snap.Items; i++ {
		g, err := store.ItemGroup(i)
		if err != nil {
			return err
		}
		if g.Meta == nil {
			// Open groups are exported once they close; stop here so
			// the next pass retries from this item.
			snap.Items = i
			break
		}
		ep, err := store.EndpointAt(g.Endpoint)
		if err != nil {
			return err
		}
		start, _ := groupStartNs(store, g)
		err = batch.Append(
			now,
			ep.DevAddress,
			ep.Number,
			ep.Direction.String(),
			g.Meta.Kind.String(),
			g.Meta.Status.String(),
			g.TransactionCount,
			g.Meta.Payload.Len(),
			start,
		)
		if err != nil {
			return fmt.Errorf("failed to append group to batch: %w", err)
		}
		count++
	}
	if count == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.exported = snap.Items
	log.Printf("Exported %d transfer rows to ClickHouse.", count)
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

func groupStartNs(store *capture.Store, g capture.Group) (uint64, error) {
	txn, err := store.EndpointTransactionAt(g.Endpoint, g.FirstTransaction)
	if err != nil {
		return 0, err
	}
	t, err := store.TransactionAt(txn)
	if err != nil {
		return 0, err
	}
	p, err := store.PacketAt(t.FirstPacket)
	if err != nil {
		return 0, err
	}
	return p.TimestampNs, nil
}
