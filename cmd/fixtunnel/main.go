package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/tunnel"
)

var eaddr = flag.String("eaddr", ":5555", "address for external connection")
var taddr = flag.String("taddr", ":5556", "address for tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file")

func main() {
	flag.Parse()
	log.Info().Str("external", *eaddr).Str("tunnel", *taddr).Msg("starting fixtunnel")

	var ln net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		log.Info().Msg("starting non-tls listener")
		ln, err = net.Listen("tcp", *taddr)
	} else {
		log.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err == nil {
			ln, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		log.Fatal().Err(err).Msg("unable to listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s := tunnel.NewServer(&tunnel.ServerConfig{ExternalAddr: *eaddr, Token: *secret})
	if err := s.Run(ctx, ln); err != nil {
		log.Fatal().Err(err).Msg("tunnel listener failed")
	}
}
