package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/cloudlet_registry"
	"github.com/mobiledgex/edge-cloud-sdk-android/collector"
	"github.com/mobiledgex/edge-cloud-sdk-android/common"
	"github.com/mobiledgex/edge-cloud-sdk-android/config"
	"github.com/mobiledgex/edge-cloud-sdk-android/dme_client"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_bus"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/supervisor"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
	"github.com/mobiledgex/edge-cloud-sdk-android/location"
	"github.com/mobiledgex/edge-cloud-sdk-android/metrics"
	"github.com/mobiledgex/edge-cloud-sdk-android/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading configuration failed, err:%v", err)
	}
	logCloser, err := common.SetupLogger(common.LogConfig{Level: cfg.LogLevel, Dir: cfg.LogDir})
	if err != nil {
		log.Fatalf("logger setup failed, err:%v", err)
	}

	code := 0
	if err := run(context.Background(), cfg); err != nil {
		log.Errorf("edge events client stopped with error, err:%v", err)
		code = 1
	} else {
		log.Infof("edge events client stopped")
	}
	logCloser.Close()
	os.Exit(code)
}

// sessionStore is satisfied by both storage backends.
type sessionStore interface {
	supervisor.StateStore
	GetSessionState() *storage.SessionState
}

func openStore(cfg *config.Config) (sessionStore, error) {
	if cfg.Redis.Address == "" {
		return storage.NewFileManager(cfg.DataDir)
	}
	clientID := cfg.Dme.UniqueId
	if clientID == "" {
		clientID = cfg.Dme.OrgName + ":" + cfg.Dme.AppName
	}
	log.Infof("session state kept in redis, addr:%s", cfg.Redis.Address)
	pool := storage.NewRedisPool(cfg.Redis.Address, cfg.Redis.MaxIdle)
	return storage.NewRedisStore(pool, clientID, time.Duration(cfg.Redis.TTLSec)*time.Second), nil
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eeConfig, err := cfg.EdgeEvents.ToEdgeEventsConfig()
	if err != nil {
		return err
	}

	// separate pools: a re-selection job waits on the latency tests it starts
	resolutionPool, err := common.NewPool(common.PoolConfig{MaxWorkers: cfg.PoolSize})
	if err != nil {
		return err
	}
	defer resolutionPool.Release()
	latencyPool, err := common.NewPool(common.PoolConfig{MaxWorkers: cfg.PoolSize})
	if err != nil {
		return err
	}
	defer latencyPool.Release()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server failed, addr:%s, err:%v", cfg.MetricsAddr, err)
			}
		}()
		defer srv.Close()
		log.Infof("metrics served, addr:%s", cfg.MetricsAddr)
	}

	dme, err := dme_client.NewClient(ctx, dme_client.Config{
		Address:       cfg.Dme.Address,
		OrgName:       cfg.Dme.OrgName,
		AppName:       cfg.Dme.AppName,
		AppVers:       cfg.Dme.AppVers,
		AuthToken:     cfg.Dme.AuthToken,
		UniqueId:      cfg.Dme.UniqueId,
		DialRetries:   cfg.Dme.DialRetries,
		RetryInterval: time.Duration(cfg.Dme.RetryIntervalSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer dme.Close()

	if _, err := dme.RegisterClient(ctx); err != nil {
		return err
	}

	locations := location.NewLastKnown()
	if loc := cfg.FixedLocation(); loc != nil {
		locations.Update(loc)
	} else if saved := store.GetSessionState(); saved != nil && saved.LastLocation != nil {
		locations.Update(saved.LastLocation)
	}

	sampler := latency_probing.NewNetSampler(0, 0)

	var resolver supervisor.Resolver = dme
	if len(cfg.Registry.Endpoints) > 0 {
		registry, err := cloudlet_registry.NewRegistry(cloudlet_registry.EtcdConfig{
			Endpoints:   cfg.Registry.Endpoints,
			DialTimeout: time.Duration(cfg.Registry.DialTimeoutSec) * time.Second,
			Prefix:      cfg.Registry.Prefix,
		}, &cloudlet_registry.Prober{Pool: latencyPool, Sampler: sampler, TestType: eeConfig.LatencyTestType})
		if err != nil {
			return err
		}
		defer registry.Close()
		resolver = registry
		go func() {
			err := registry.Watch(ctx, func(cloudlets []*cloudlet_registry.Cloudlet) {
				log.Infof("cloudlet registry updated, cloudlets:%d", len(cloudlets))
			})
			if err != nil {
				log.Warningf("cloudlet registry watch ended, err:%v", err)
			}
		}()
		log.Infof("cloudlet re-selection uses etcd registry, endpoints:%v", cfg.Registry.Endpoints)
	}

	initial, err := dme.FindCloudlet(ctx, protocol.FindCloudletCriteria{
		CarrierName: cfg.Dme.CarrierName,
		Location:    cfg.FixedLocation(),
	})
	if err != nil {
		return err
	}

	staticInfo, dynamicInfo, err := collector.CollectDeviceInfo(ctx, cfg.Dme.CarrierName)
	if err != nil {
		log.Warningf("device info unavailable, err:%v", err)
	}

	bus := event_bus.New(m)
	defer bus.Close()

	sup := supervisor.New(supervisor.Options{
		Dialer:               dme.Dialer(),
		Target:               dme.Address(),
		Resolver:             resolver,
		Registration:         dme,
		LocationSource:       locations,
		Sampler:              sampler,
		Pool:                 resolutionPool,
		Bus:                  bus,
		Metrics:              m,
		Store:                store,
		DeviceInfo:           staticInfo,
		DeviceInfoDynamic:    dynamicInfo,
		CarrierName:          cfg.Dme.CarrierName,
		AutoMigrate:          cfg.EdgeEvents.AutoMigrate,
		Disabled:             !cfg.EdgeEvents.Enabled,
		AutoReconnect:        cfg.EdgeEvents.AutoReconnect,
		MaxReconnectAttempts: cfg.EdgeEvents.MaxReconnectAttempts,
	})
	defer sup.Close()
	sup.SetCurrentCloudlet(initial)

	if err := sup.StartEdgeEvents(ctx, eeConfig); err != nil {
		return err
	}
	log.Infof("edge events started, cloudlet:%s, config:%s", initial.Fqdn(), eeConfig)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for n := range bus.Events(ctx) {
		switch n.Kind {
		case event_bus.KindError, event_bus.KindConnectionFailed, event_bus.KindReconnectExhausted:
			log.Warningf("edge events notification, notification:%s", n)
		default:
			log.Infof("edge events notification, notification:%s", n)
		}
	}

	log.Infof("received signal, shutting down")
	status, err := sup.StopEdgeEvents(0)
	log.Infof("edge events stopped, status:%s, err:%v", status, err)
	return nil
}
