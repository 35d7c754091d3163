// Command tachyond runs the headless download core: Scheduler, Job
// Engine factory, Record Store, Snapshot Merger, Observer Bus, the
// metadata mirror, and the loopback Control Surface.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tachyondl/internal/bandwidth"
	"tachyondl/internal/config"
	"tachyondl/internal/congestion"
	"tachyondl/internal/filesystem"
	"tachyondl/internal/httpapi"
	"tachyondl/internal/integrity"
	"tachyondl/internal/jobengine"
	"tachyondl/internal/logger"
	"tachyondl/internal/mirror"
	"tachyondl/internal/model"
	"tachyondl/internal/netmon"
	"tachyondl/internal/observer"
	"tachyondl/internal/probe"
	"tachyondl/internal/recordstore"
	"tachyondl/internal/scheduler"
	"tachyondl/internal/snapshot"
)

func stateDir() string {
	if dir := os.Getenv("TACHYOND_STATE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "tachyond")
}

func main() {
	sdir := stateDir()
	recordDir := filepath.Join(sdir, "records")
	os.MkdirAll(recordDir, 0o755)

	log, err := logger.New(sdir, os.Stdout)
	if err != nil {
		panic(err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(sdir, "mirror.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Error("mirror db open failed, continuing without mirror", "error", err)
	}

	var mirrorStore *mirror.Store
	if db != nil {
		mirrorStore, err = mirror.Open(db, log)
		if err != nil {
			log.Error("mirror migration failed, continuing without mirror", "error", err)
			mirrorStore = nil
		}
	}

	settings := config.Defaults()
	var overrides config.PersistedOverrides
	if mirrorStore != nil {
		overrides = mirrorStore
	}
	configStore := config.NewStore(settings, overrides)
	configStore.Load()

	records := recordstore.New(recordDir, settings.RecordStoreWorkers)

	bus := observer.NewBus(log, observer.NewLogObserver(log))
	if mirrorStore != nil {
		bus.Register(mirrorStore.Observer())
	}

	bwManager := bandwidth.NewManager()
	bwManager.SetLimit(settings.MaxNetworkSpeed)
	congestionController := congestion.NewController(1, 8)
	allocator := filesystem.NewAllocator()
	verifier := integrity.NewVerifier()
	monitor := netmon.NewMonitor()
	httpClient := &http.Client{Timeout: time.Duration(settings.ReadTimeoutMs) * time.Millisecond}
	prober := probe.New(httpClient)

	factory := func(record model.JobRecord) *jobengine.Engine {
		return jobengine.New(record, jobengine.Deps{
			Logger:     log,
			Records:    records,
			Bus:        bus,
			Client:     httpClient,
			Bandwidth:  bwManager,
			Congestion: congestionController,
			Allocator:  allocator,
			Verifier:   verifier,
			NetMon:     monitor,
			Prober:     prober,
		})
	}

	sched := scheduler.New(log, records, bus, factory, settings.MaxParallelDownloads, settings)

	snap := snapshot.New(recordDir, records)
	var coldStartRecords []model.JobRecord
	if loaded, err := snap.Load(); err == nil && loaded != nil {
		coldStartRecords = loaded
	}
	sched.ColdStart(coldStartRecords)

	ctx, cancel := context.WithCancel(context.Background())

	snapshotStop := make(chan struct{})
	go snap.Run(snapshotStop)
	go sched.Run(ctx, 1*time.Second)

	if settings.EnableControlSurface {
		server := httpapi.New(log, sched, settings)
		if err := server.Start(settings.ControlSurfacePort); err != nil {
			log.Error("control surface failed to start", "error", err)
		}
	}

	log.Info("tachyond started", "state_dir", sdir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	close(snapshotStop)
	cancel()
}
