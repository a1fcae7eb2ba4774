package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/dsmr2mqtt/health"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/meter"
	"github.com/temoto/dsmr2mqtt/queue"
	"github.com/temoto/dsmr2mqtt/state"
	"github.com/temoto/dsmr2mqtt/tele"
)

const (
	pahoModule      = "github.com/eclipse/paho.mqtt.golang"
	shutdownTimeout = 10 * time.Second
	disconnectWait  = 250 * time.Millisecond
)

// VersionString is retained sw-version payload, e.g. "main=1.0; mqtt=v1.2.0".
func VersionString(main string) string {
	mqttVersion := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == pahoModule {
				mqttVersion = dep.Version
			}
		}
	}
	return fmt.Sprintf("main=%s; mqtt=%s", main, mqttVersion)
}

// App owns all long lived parts of the bridge.
// Lifecycle: NewApp -> Run (blocks) -> resources released.
type App struct {
	Config  *state.Config
	Log     *log2.Log
	Stats   *tele.Stats
	Version string
	// Called once after all loops are started, e.g. systemd readiness.
	OnReady func()

	broker    tele.Broker
	mqtt      *tele.MqttBroker
	queue     *queue.Queue
	scheduler *tele.Scheduler
	discovery *tele.Discovery
	ingest    *Ingest
	health    *health.Server
	ready     int32

	// test code sets openSource
	openSource func() (meter.Source, error)
}

func NewApp(cfg *state.Config, version string, log *log2.Log) (*App, error) {
	var broker tele.Broker = tele.Noop{Log: log}
	var mb *tele.MqttBroker
	if cfg.Mqtt.Enabled {
		var err error
		if mb, err = tele.NewMqttBroker(cfg.MqttBroker(), log); err != nil {
			return nil, errors.Annotate(err, "mqtt")
		}
		broker = mb
	} else {
		log.Infof("mqtt disabled, messages are logged and discarded")
	}
	app, err := newApp(cfg, version, log, broker)
	if err != nil {
		return nil, err
	}
	app.mqtt = mb
	return app, nil
}

func newApp(cfg *state.Config, version string, log *log2.Log, broker tele.Broker) (*App, error) {
	table, err := cfg.BuildTable()
	if err != nil {
		return nil, err
	}
	app := &App{
		Config:  cfg,
		Log:     log,
		Stats:   tele.NewStats(),
		Version: VersionString(version),
		broker:  broker,
	}
	app.queue, err = queue.Open(cfg.QueueDir(), queue.Options{MaxEntries: cfg.Persist.MaxEntries}, log)
	if err != nil {
		return nil, errors.Annotate(err, "persist")
	}
	app.Stats.SetQueueLen(app.queue.Len)
	app.scheduler = tele.NewScheduler(cfg.Scheduler(), app.queue, broker, log, app.Stats)
	app.discovery = tele.NewDiscovery(cfg.HomeAssistant(app.Version), app.scheduler, log)
	app.ingest = NewIngest(IngestOptions{
		Table:            table,
		Checksum:         cfg.ChecksumMode(),
		ZeroPolicy:       cfg.ZeroPolicy(),
		MaxTelegramBytes: cfg.Meter.MaxTelegramBytes,
	}, app.scheduler, app.discovery, log, app.Stats)
	app.openSource = func() (meter.Source, error) {
		return meter.Open(cfg.MeterSource(), &app.Stats.SerialBytes, log)
	}
	return app, nil
}

func (app *App) Ready() bool { return atomic.LoadInt32(&app.ready) == 1 }

// Run blocks until ctx is done, meter stream ends or transport fails.
// Queued messages are kept on disk for next start when broker is unreachable.
func (app *App) Run(ctx context.Context) error {
	cfg := app.Config
	defer app.queue.Close()

	if recovered := app.queue.Len(); recovered != 0 {
		app.Log.Event(log2.LInfo, "queue_recovered").Int("messages", recovered).Send()
	}
	if err := app.startHealth(); err != nil {
		return err
	}
	defer app.stopHealth()

	src, err := app.openSource()
	if err != nil {
		return errors.Annotate(err, "meter")
	}

	errs := make([]error, 0, 4)
	errs = append(errs, app.scheduler.Send(app.scheduler.Topic("status"), []byte(tele.StatusOnline), true))
	errs = append(errs, app.scheduler.Send(app.scheduler.Topic("sw-version"), []byte(app.Version), true))
	if err = helpers.FoldErrors(errs); err != nil {
		src.Close()
		return errors.Annotate(err, "startup messages")
	}
	if app.mqtt != nil {
		app.mqtt.Start()
	}

	a := alive.NewAlive()
	var ingestErr error
	a.Add(3)
	go func() {
		defer a.Done()
		app.scheduler.Run(a)
	}()
	go func() {
		defer a.Done()
		app.Stats.LogLoop(a, helpers.IntSecondDefault(cfg.Stats.LogIntervalSec, 0), app.Log)
	}()
	go func() {
		defer a.Done()
		ingestErr = app.ingest.Run(a, src)
		a.Stop()
	}()
	atomic.StoreInt32(&app.ready, 1)
	app.Log.Infof("running topic_prefix=%s version=%s", cfg.Mqtt.TopicPrefix, app.Version)
	if app.OnReady != nil {
		app.OnReady()
	}

	select {
	case <-ctx.Done():
		app.Log.Infof("stopping")
	case <-a.StopChan():
	}
	a.Stop()
	// unblocks serial read
	_ = src.Close()
	a.Wait()
	atomic.StoreInt32(&app.ready, 0)

	shutdownErr := app.shutdown()
	app.Stats.Log(app.Log)
	if ingestErr != nil {
		return ingestErr
	}
	return shutdownErr
}

func (app *App) shutdown() error {
	errs := make([]error, 0, 3)
	errs = append(errs, app.discovery.Teardown())
	errs = append(errs, app.scheduler.Send(app.scheduler.Topic("status"), []byte(tele.StatusOffline), true))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.scheduler.Flush(ctx); err != nil {
		app.Log.Event(log2.LError, "shutdown_flush").Int("queued", app.queue.Len()).Err(err).Send()
	}
	if app.mqtt != nil {
		app.mqtt.Close(disconnectWait)
	}
	return helpers.FoldErrors(errs)
}

func (app *App) startHealth() error {
	listen := app.Config.Http.Listen
	if listen == "" {
		return nil
	}
	app.health = health.NewServer(app.Log, app.Stats.Gatherer(), app.Ready)
	app.health.AddChecker(health.BrokerChecker(app.broker.Connected))
	maxEntries := app.Config.Persist.MaxEntries
	if maxEntries <= 0 {
		maxEntries = queue.DefaultMaxEntries
	}
	app.health.AddChecker(health.QueueChecker(app.queue.Len, maxEntries/2, maxEntries))
	maxAge := 3 * helpers.IntSecondDefault(app.Config.Meter.ReadTimeoutSec, meter.DefaultReadTimeout)
	app.health.AddChecker(health.MeterChecker(app.ingest.LastTelegram, maxAge))
	_, err := app.health.Start(listen)
	return err
}

func (app *App) stopHealth() {
	if app.health == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := app.health.Stop(ctx); err != nil {
		app.Log.Errorf("health stop err=%v", err)
	}
}
