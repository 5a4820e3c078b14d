package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/config"
	"nuha.dev/bestfix/internal/web"
)

var configPath = flag.String("config", "", "config file (yaml, toml or json)")
var hashToken = flag.String("hash-token", "", "print the bcrypt hash of a control token and exit")

func main() {
	flag.Parse()
	if *hashToken != "" {
		h, err := web.HashToken(*hashToken)
		if err != nil {
			panic(err)
		}
		fmt.Println(h)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to start")
	}
	if err := d.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}
