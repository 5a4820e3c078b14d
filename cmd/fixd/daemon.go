package main

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/backend/basic"
	"nuha.dev/bestfix/internal/backend/basic/mqttnet"
	"nuha.dev/bestfix/internal/backend/basic/nmea"
	"nuha.dev/bestfix/internal/backend/enhanced"
	"nuha.dev/bestfix/internal/backend/enhanced/natsfused"
	"nuha.dev/bestfix/internal/config"
	"nuha.dev/bestfix/internal/coordinator"
	"nuha.dev/bestfix/internal/host"
	"nuha.dev/bestfix/internal/journal"
	"nuha.dev/bestfix/internal/privilege"
	"nuha.dev/bestfix/internal/relay"
	"nuha.dev/bestfix/internal/selector"
	"nuha.dev/bestfix/internal/strategy"
	"nuha.dev/bestfix/internal/sublist"
	"nuha.dev/bestfix/internal/tunnel"
	"nuha.dev/bestfix/internal/web"
)

// control re-attaches the sublist on every start, since Stop detaches it.
type control struct {
	*strategy.Strategy
	listener strategy.Listener
}

func (c control) Start() {
	c.Attach(c.listener)
	c.Strategy.Start()
}

type daemon struct {
	cfg      *config.Config
	log      log.Logger
	strategy *strategy.Strategy
	sublist  *sublist.Sublist
	api      *web.Api
	relay    *relay.Relay
	journal  *journal.Journal
	pool     *pgxpool.Pool
	fused    *natsfused.Client
}

func newOracle(c config.PrivilegeConfig) (privilege.Oracle, *privilege.File, error) {
	if c.GrantFile != "" {
		f, err := privilege.NewFile(c.GrantFile)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
	tier, err := privilege.ParseTier(c.Tier)
	if err != nil {
		return nil, nil, err
	}
	kinds := make([]privilege.Kind, 0, len(c.Granted))
	for _, name := range c.Granted {
		k, err := privilege.ParseKind(name)
		if err != nil {
			return nil, nil, err
		}
		kinds = append(kinds, k)
	}
	return privilege.NewStatic(tier, kinds...), nil, nil
}

func newBasic(cfg *config.Config) func() backend.Backend {
	return func() backend.Backend {
		var providers []basic.Provider
		if cfg.Nmea.Port != "" {
			providers = append(providers, nmea.New(&nmea.Config{Port: cfg.Nmea.Port, BaudRate: cfg.Nmea.BaudRate}, nmea.OpenSerial))
		}
		if cfg.Mqtt.Broker != "" {
			providers = append(providers, mqttnet.New(&mqttnet.Config{Broker: cfg.Mqtt.Broker, ClientId: cfg.Mqtt.ClientId, Topic: cfg.Mqtt.Topic}))
		}
		return basic.New(providers...)
	}
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "fixd").Value()

	oracle, grantFile, err := newOracle(cfg.Privilege)
	if err != nil {
		return nil, err
	}
	pending, err := host.NewPendingBus()
	if err != nil {
		return nil, err
	}

	var newEnhanced func() backend.Backend
	hasEnhanced := false
	if cfg.Fused.Enabled {
		d.fused = natsfused.New(&natsfused.Config{
			Url:        cfg.Fused.Url,
			Prefix:     cfg.Fused.Prefix,
			MinVersion: cfg.Fused.MinVersion,
			Timeout:    cfg.Fused.Timeout,
		})
		hasEnhanced = d.fused.Available(ctx)
		fallback := newBasic(cfg)
		newEnhanced = func() backend.Backend {
			return enhanced.New(d.fused, fallback(), &enhanced.Config{FreshTimeout: cfg.Fused.FreshTimeout})
		}
	}
	sel, err := selector.New(selector.Host{
		Oracle:     oracle,
		Foreground: host.NewBinder(),
		Pending:    pending,
		Scheduler:  host.NewScheduler(),
		Coordinator: coordinator.Config{
			ChunkBackground: cfg.Coordinator.ChunkBackground,
			PollMinutes:     cfg.Coordinator.PollMinutes,
		},
	}, newEnhanced, newBasic(cfg), cfg.IdSalt)
	if err != nil {
		return nil, err
	}

	d.strategy, err = sel.NewStrategy(ctx, hasEnhanced)
	if err != nil {
		return nil, err
	}
	d.strategy.SetInterval(cfg.Strategy.Interval)
	d.strategy.SetDisplacement(cfg.Strategy.Displacement)
	d.strategy.SetPeriodic(cfg.Strategy.Periodic)
	d.strategy.SetAggressive(cfg.Strategy.Aggressive)

	d.sublist = sublist.New()
	if grantFile != nil {
		grantFile.Watch(d.strategy.BackgroundPermissionGranted)
	}

	if cfg.Relay.Enabled {
		d.relay = relay.NewRelay(&relay.RelayConfig{
			Addr:    cfg.Relay.Addr,
			Serial:  cfg.Relay.Serial,
			Backoff: cfg.Relay.Backoff,
		})
		d.sublist.Subscribe(d.relay)
	}
	if cfg.Journal.Enabled {
		d.pool, err = pgxpool.Connect(ctx, cfg.Journal.DbUrl)
		if err != nil {
			return nil, err
		}
		if cfg.Journal.InitSchema {
			if _, err := d.pool.Exec(ctx, journal.Schema); err != nil {
				return nil, err
			}
		}
		d.journal = journal.NewJournal(d.pool, d.strategy.Id(), &journal.JournalConfig{
			Table:       cfg.Journal.Table,
			BufSize:     cfg.Journal.BufSize,
			MaxAgeFlush: cfg.Journal.MaxAgeFlush,
		})
		d.sublist.Subscribe(d.journal)
	}

	d.api = web.NewApi(control{d.strategy, d.sublist}, d.sublist, &web.ApiConfig{
		ListenAddr:    cfg.Listen,
		TokenHash:     cfg.Web.TokenHash,
		ProxyProtocol: cfg.Web.ProxyProtocol,
	})
	return d, nil
}

func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if d.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.relay.Run(ctx)
		}()
	}
	if d.journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.journal.Run(ctx)
		}()
	}
	if d.cfg.Web.Tunnel.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tunnel.Serve(ctx, &tunnel.ClientConfig{
				Addr:  d.cfg.Web.Tunnel.Addr,
				Token: d.cfg.Web.Tunnel.Token,
				TLS:   d.cfg.Web.Tunnel.TLS,
				Retry: d.cfg.Web.Tunnel.Retry,
			}, func(ln net.Listener) error { return d.api.Serve(ln) })
		}()
	}

	if d.cfg.Strategy.AutoStart {
		control{d.strategy, d.sublist}.Start()
	} else {
		d.strategy.Attach(d.sublist)
	}

	errc := make(chan error, 1)
	go func() { errc <- d.api.Run() }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	d.log.Info().Msg("shutting down")
	d.strategy.HandleLifecycle(coordinator.Destroyed)
	d.strategy.Detach()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	d.api.Shutdown(sctx)
	cancel()
	wg.Wait()
	if d.pool != nil {
		d.pool.Close()
	}
	if d.fused != nil {
		d.fused.Close()
	}
	return err
}
