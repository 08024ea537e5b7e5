package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"tccorder/internal/db"
	"tccorder/resource"
)

type config struct {
	Addr            string        // HTTP and gRPC listen address
	Driver          string        // sqlite3 | pgx | mysql
	DSN             string        // sqlite3: data directory; pgx, mysql: connection string
	KafkaBrokers    string        // comma separated, empty disables events
	KafkaTopic      string
	TryTimeout      time.Duration
	MonitorInterval time.Duration
	Seed            string // "account:u1=1000,storage:p1=100"
	RemoteGRPC      string // call participants over gRPC at this address
	RemoteHTTP      string // call participants over HTTP at this URL
}

// flags registers the configuration flags on fs. Their defaults come from
// the environment.
func (c *config) flags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", getenv("TCC_HTTP_ADDR", ":8080"), "address to serve HTTP and gRPC on")
	fs.StringVar(&c.Driver, "db-driver", getenv("TCC_DB_DRIVER", db.DriverSQLite), "database driver: sqlite3, pgx or mysql")
	fs.StringVar(&c.DSN, "db-dsn", getenv("TCC_DB_DSN", "./data"), "sqlite3 data directory, PostgreSQL URL or MySQL DSN")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", getenv("TCC_KAFKA_BROKERS", ""), "comma separated Kafka brokers; empty disables order events")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", getenv("TCC_KAFKA_TOPIC", "orders"), "Kafka topic for order events")
	fs.DurationVar(&c.TryTimeout, "try-timeout", getenvDuration("TCC_TRY_TIMEOUT", 5*time.Second), "timeout of one participant call")
	fs.DurationVar(&c.MonitorInterval, "monitor-interval", getenvDuration("TCC_MONITOR_INTERVAL", 10*time.Second), "how often unfinished transactions are recovered")
	fs.StringVar(&c.Seed, "seed", getenv("TCC_SEED", ""), "ledger rows to create at startup, e.g. account:u1=1000,storage:p1=100")
	fs.StringVar(&c.RemoteGRPC, "participants-grpc", getenv("TCC_PARTICIPANTS_GRPC", ""), "gRPC address of remote participants")
	fs.StringVar(&c.RemoteHTTP, "participants-http", getenv("TCC_PARTICIPANTS_HTTP", ""), "base URL of remote participants")
}

func (c *config) validate() error {
	switch c.Driver {
	case db.DriverSQLite, db.DriverPostgres, db.DriverMySQL:
	default:
		return errors.Errorf("unsupported db driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("db dsn is required")
	}
	if c.RemoteGRPC != "" && c.RemoteHTTP != "" {
		return errors.New("-participants-grpc and -participants-http are exclusive")
	}
	_, err := parseSeed(c.Seed)
	return err
}

// dsn returns the data source of database name. Every sqlite database is a
// file in the data directory; PostgreSQL and MySQL keep all tables in one
// database.
func (c *config) dsn(name string) string {
	if c.Driver == db.DriverSQLite {
		return filepath.Join(c.DSN, name+".db") + "?_busy_timeout=5000"
	}
	return c.DSN
}

// seedEntry is one ledger row to create at startup.
type seedEntry struct {
	Participant string
	Ledger      resource.Ledger
}

func parseSeed(s string) ([]seedEntry, error) {
	var entries []seedEntry
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pk, qty, ok := strings.Cut(item, "=")
		if !ok {
			return nil, errors.Errorf("seed %q: want participant:key=quantity", item)
		}
		p, key, ok := strings.Cut(pk, ":")
		if !ok || key == "" {
			return nil, errors.Errorf("seed %q: want participant:key=quantity", item)
		}
		if p != "account" && p != "storage" {
			return nil, errors.Errorf("seed %q: unknown participant %q", item, p)
		}
		n, err := strconv.ParseInt(qty, 10, 64)
		if err != nil || n < 0 {
			return nil, errors.Errorf("seed %q: bad quantity", item)
		}
		entries = append(entries, seedEntry{
			Participant: p,
			Ledger:      resource.Ledger{Key: key, Total: n, Residue: n},
		})
	}
	return entries, nil
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(k, ""))
	if err != nil {
		return def
	}
	return d
}
