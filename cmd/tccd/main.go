// Tccd places orders with Try-Confirm-Cancel over storage, account and order
// participants.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"lab.nexedi.com/kirr/go123/prog"

	"tccorder/internal/log"
)

var commands = prog.CommandRegistry{
	{"serve", serveSummary, serveUsage, serveMain},
	{"recover", recoverSummary, recoverUsage, recoverMain},
}

var helpTopics = prog.HelpRegistry{
	{"config", "configuration flags and environment", configHelp},
}

func main() {
	prog := prog.MainProg{
		Name:       "tccd",
		Summary:    "Tccd is the order placement daemon",
		Commands:   commands,
		HelpTopics: helpTopics,
	}

	defer log.Flush()
	prog.Main()
}

const configHelp = `Every flag of "serve" and "recover" has an environment variable
providing its default:

	-addr			TCC_HTTP_ADDR
	-db-driver		TCC_DB_DRIVER		sqlite3 | pgx | mysql
	-db-dsn			TCC_DB_DSN
	-kafka-brokers		TCC_KAFKA_BROKERS
	-kafka-topic		TCC_KAFKA_TOPIC
	-try-timeout		TCC_TRY_TIMEOUT
	-monitor-interval	TCC_MONITOR_INTERVAL
	-seed			TCC_SEED
	-participants-grpc	TCC_PARTICIPANTS_GRPC
	-participants-http	TCC_PARTICIPANTS_HTTP

With sqlite3 the dsn is a directory holding storage.db, account.db,
order.db and coordinator.db. With pgx it is a PostgreSQL URL, with mysql a
DSN such as "tcc:secret@tcp(127.0.0.1:3306)/tcc?parseTime=true"; all tables
then live in that one database.
`

// commandFlags parses the configuration flags of command name from argv.
func commandFlags(name string, usage func(io.Writer), argv []string) *config {
	cfg := &config{}
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	flags.Usage = func() { usage(os.Stderr); flags.PrintDefaults() }
	cfg.flags(flags)
	flags.Parse(argv[1:])

	if flags.NArg() != 0 {
		flags.Usage()
		prog.Exit(2)
	}
	if err := cfg.validate(); err != nil {
		prog.Fatal(err)
	}
	return cfg
}

const serveSummary = "serve the order API and participants"

func serveUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: tccd serve [options]
Serve the order API, the participant endpoints and metrics over HTTP, and
the participant service over gRPC, on one address.

`)
}

func serveMain(argv []string) {
	cfg := commandFlags("serve", serveUsage, argv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cfg)
	if err != nil {
		prog.Fatal(err)
	}
	defer func() { _ = n.Close() }()

	if err := n.listenAndServe(ctx, cfg.Addr); err != nil {
		prog.Fatal(err)
	}
}

const recoverSummary = "finish unfinished transactions and exit"

func recoverUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: tccd recover [options]
Run one recovery pass over the coordinator log: confirm transactions that
decided to commit and cancel the rest, then exit.

`)
}

func recoverMain(argv []string) {
	cfg := commandFlags("recover", recoverUsage, argv)
	ctx := context.Background()

	n, err := openNode(ctx, cfg)
	if err != nil {
		prog.Fatal(err)
	}
	defer func() { _ = n.Close() }()

	if err := n.manager.Recover(ctx); err != nil {
		prog.Fatal(err)
	}
	log.Infof(ctx, "recovery done")
}
