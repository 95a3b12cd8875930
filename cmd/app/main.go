package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"
	"golang.org/x/sync/errgroup"

	"github.com/hubertat/adukit"
)

const defaultSyncInterval = "330ms"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	syncInterval = flag.String("sync", defaultSyncInterval, "sync interval (time.Duration)")
	logLevel     = flag.String("log-level", "info", "log level: debug, info, warn or error")

	akService = servicemaker.ServiceMaker{
		User:               "adukit",
		UserGroups:         []string{"dialout"},
		ServicePath:        "/etc/systemd/system/adukit.service",
		ServiceDescription: "AduKit service: HomeKit, MQTT and HTTP bridge for ADU208 relay boards. github.com/hubertat/adukit",
		ExecDir:            "/srv/adukit",
		ExecName:           "adukit",
	}
)

func readConfig(path string, ak *adukit.AduKit) error {
	configFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	cBuff, err := io.ReadAll(configFile)
	if err != nil {
		return err
	}
	return json.Unmarshal(cBuff, ak)
}

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal("invalid log level", "level", *logLevel, "err", err)
	}
	log.SetLevel(level)
	log.Info("adukit started", "version", Version, "build", Build)

	if *flagInstall {
		err := akService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Info("service installed!")
			return
		}
	}

	syncDuration, err := time.ParseDuration(*syncInterval)
	if err != nil {
		log.Fatal("invalid sync interval", "sync", *syncInterval, "err", err)
	}

	ak := &adukit.AduKit{}
	if err = readConfig(*config, ak); err != nil {
		log.Fatal("can't read config file, will terminate", "config", *config, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init adukit drivers...")
	err = ak.InitDrivers(ctx)
	defer ak.Close()
	if err != nil {
		log.Fatal("failed to init drivers", "err", err)
	}
	log.Info("will init adukit IOs...")
	if err = ak.InitIos(); err != nil {
		log.Fatal("failed to init ios", "err", err)
	}

	if err = ak.MatchControllers(); err != nil {
		log.Warn("Matching Controllers returned error, we will proceed...", "err", err)
	} else {
		log.Info("MatchControllers OK!")
	}

	ak.PrintIoStatus(os.Stdout)

	if len(ak.MqttBroker) > 0 {
		if err = ak.InitMqtt(ctx); err != nil {
			log.Warn("mqtt not connected yet, will keep retrying", "err", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ak.StartTicker(ctx, syncDuration)
	})
	if ak.Http != nil {
		group.Go(func() error {
			return ak.StartHttp(ctx)
		})
	}
	if ak.Influx != nil {
		group.Go(func() error {
			return ak.StartRecorder(ctx)
		})
	}
	if len(ak.HkPin) == 8 {
		log.Info("Starting with HomeKit server")
		group.Go(func() error {
			return ak.StartHomeKit(ctx, Version)
		})
	} else {
		log.Info("HomeKit not configured, disabled")
	}

	if err = group.Wait(); err != nil {
		log.Error("adukit stopped", "err", err)
		return
	}
	log.Info("adukit stopped")
}
