package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/cmd/dsmr2mqtt/decode"
	"github.com/temoto/dsmr2mqtt/cmd/dsmr2mqtt/subcmd"
	"github.com/temoto/dsmr2mqtt/cmd/dsmr2mqtt/watch"
	"github.com/temoto/dsmr2mqtt/internal/bridge"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/state"
)

const lockName = "dsmr2mqtt_lockfile"

var BuildVersion string = "unknown" // set by ldflags -X

var runMod = subcmd.Mod{Name: "run", Desc: "read meter and publish to MQTT (default)", Main: runMain}
var configMod = subcmd.Mod{Name: "config", Desc: "print effective configuration as JSON", Main: configMain}

var modules = []subcmd.Mod{runMod, decode.Mod, watch.Mod, configMod}

func main() {
	flagConfig := flag.String("config", "", "HCL config file, environment and defaults only when empty")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command]\n\ncommands:\n%s\nflags:\n", os.Args[0], subcmd.Usage(modules))
		flag.PrintDefaults()
	}
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	command := flag.Arg(0)
	if command == "" {
		command = runMod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	var names []string
	if *flagConfig != "" {
		names = append(names, *flagConfig)
	}
	config := state.MustReadConfig(log, state.NewOsFullReader(), names...)
	format, _ := log2.ParseFormat(config.Log.Format)
	log = log2.NewFormat(os.Stderr, config.LogLevel(), format)
	if mod.Name == runMod.Name && subcmd.SdNotify(log, "start") {
		log.Debugf("running under systemd")
	}
	log.Infof("dsmr2mqtt version=%s command=%s", BuildVersion, mod.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = mod.Main(ctx, config, log)
	stop()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func runMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	lock, err := subcmd.Lock(lockName)
	if err != nil {
		return err
	}
	defer lock.Close()

	app, err := bridge.NewApp(config, BuildVersion, log)
	if err != nil {
		return err
	}
	app.OnReady = func() { subcmd.SdNotify(log, daemon.SdNotifyReady) }
	err = app.Run(ctx)
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	return err
}

func configMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	b, err := config.JSON()
	if err != nil {
		return errors.Annotate(err, "config")
	}
	_, err = fmt.Fprintf(os.Stdout, "%s\n", b)
	return err
}
