package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/l3v3l/pulse/internal/broadcast"
	"github.com/l3v3l/pulse/internal/build"
	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/deliver"
	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/intake"
	"github.com/l3v3l/pulse/internal/notify"
	"github.com/l3v3l/pulse/internal/prefs"
	"github.com/l3v3l/pulse/internal/queue"
)

func main() {
	// A .env file is optional; flags win over it.
	_ = godotenv.Load()

	var (
		dbPath      = flag.String("db", "", "Path to SQLite database (default: ~/.pulse/pulse.db)")
		sockPath    = flag.String("listen", "", "Unix socket for event intake (default: ~/.pulse/pulsed.sock)")
		logDir      = flag.String("log-dir", "", "Directory for rotated log files (empty for console only)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		kafkaAddrs  = flag.String("kafka", "", "Comma-separated Kafka brokers for event broadcast (empty to disable)")
		kafkaTopic  = flag.String("kafka-topic", "", "Kafka topic for event broadcast")
		interval    = flag.Duration("interval", deliver.DefaultInterval, "Delivery worker poll interval")
		batchSize   = flag.Int("batch-size", deliver.DefaultBatchSize, "Entries claimed per worker poll")
		maxAttempts = flag.Int("max-attempts", deliver.DefaultMaxAttempts, "Delivery attempts before an entry fails")
	)
	flag.Parse()

	logs, err := build.NewLogSetup(build.LogConfig{
		LogDir: *logDir,
		Debug:  *debug,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logs.Close()

	rootLog := logs.Root()
	rootLog.Info("Starting pulsed", "version", build.Version())

	path := *dbPath
	if path == "" {
		path, err = db.DefaultDBPath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}

	store, err := db.Open(path, logs.Subsystem("SQLT"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	prefStore := prefs.NewStore(store, logs.Subsystem("PREF"))
	queueStore := queue.NewStore(store, logs.Subsystem("QUEUE"))
	relations := notify.NewRelationStore(store, logs.Subsystem("RELN"))

	// Broadcast: always the in-process hub, plus Kafka when brokers are
	// configured.
	hub := broadcast.NewHub(logs.Subsystem("HUB"))

	var kafkaB *broadcast.KafkaBroadcaster
	if *kafkaAddrs != "" {
		brokers := strings.Split(*kafkaAddrs, ",")
		kafkaB = broadcast.NewKafkaBroadcaster(
			brokers, *kafkaTopic, logs.Subsystem("KFKA"),
		)
		defer kafkaB.Close()

		rootLog.Info("Kafka broadcast enabled", "brokers", brokers)
	}

	var bcast event.Broadcaster = hub
	if kafkaB != nil {
		bcast = broadcast.NewFanout(hub, kafkaB)
	}

	registry := event.NewRegistry()
	handlers := notify.NewHandlers(
		prefStore, queueStore, relations, logs.Subsystem("NTFY"),
	)
	handlers.RegisterAll(registry)

	dispatcher := event.NewDispatcher(event.DispatcherConfig{
		Registry:    registry,
		Broadcaster: bcast,
		Logger:      logs.Subsystem("DISP"),
	})
	handlers.SetSink(dispatcher)

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// Event intake over a unix socket, so local producers (and the CLI)
	// can feed the dispatcher without linking the pipeline in-process.
	sock := *sockPath
	if sock == "" {
		sock, err = intake.DefaultSocketPath()
		if err != nil {
			log.Fatalf("Failed to resolve socket path: %v", err)
		}
	}

	// Intake acks as soon as an event is accepted; handlers run behind
	// the ack so a slow handler cannot stall producers.
	listener, err := intake.NewListener(
		sock, intake.DispatcherFunc(dispatcher.DispatchAsync),
		logs.Subsystem("INTK"),
	)
	if err != nil {
		log.Fatalf("Failed to start event intake: %v", err)
	}
	defer listener.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Serve(ctx)
	}()

	rootLog.Info("Event intake listening", "socket", sock)

	// One delivery worker per channel. All three share the log transport
	// until real provider credentials are wired in.
	addresses := deliver.NewStoreAddressBook(store)
	renderer := deliver.NewTemplateRenderer()
	transport := deliver.NewLogTransport(logs.Subsystem("XPRT"))

	for _, ch := range queue.AllChannels {
		worker, err := deliver.NewWorker(deliver.WorkerConfig{
			Channel:     ch,
			Transport:   transport,
			Addresses:   addresses,
			Renderer:    renderer,
			Interval:    *interval,
			BatchSize:   *batchSize,
			MaxAttempts: *maxAttempts,
			Logger:      logs.Subsystem("WRKR"),
		}, queueStore)
		if err != nil {
			log.Fatalf("Failed to create %s worker: %v", ch, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	rootLog.Info("Delivery workers started",
		"channels", len(queue.AllChannels),
		"interval", *interval)

	<-ctx.Done()
	rootLog.Info("Shutting down")

	listener.Close()
	wg.Wait()
}

// usage string for -h output.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"Usage: %s [flags]\n\nNotification pipeline daemon.\n\n",
			filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
