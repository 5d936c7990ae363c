// Command meshnode runs a single dissemination/membership node over a real
// TCP transport. It exists to exercise mesh.Engine end-to-end outside of
// tests; wiring it into a full CLI with file-based config (flags, viper,
// a keystore loader) is an external collaborator's job per spec.md §1.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duskmesh/overlay/common"
	"github.com/duskmesh/overlay/config"
	"github.com/duskmesh/overlay/crypto"
	"github.com/duskmesh/overlay/mesh"
	"github.com/duskmesh/overlay/transport"
	"github.com/duskmesh/overlay/wire"
)

func main() {
	listen := flag.String("listen", config.DefaultBindAddr, "address:port to accept mesh sessions on")
	advertise := flag.String("advertise", "", "address advertised to peers, if different from -listen")
	seedPeer := flag.String("seed-peer", "", "hex-encoded peer id of a seed node to join through")
	seedAddr := flag.String("seed-addr", "", "address:port of the seed node named by -seed-peer")
	flag.Parse()

	cfg := config.NewDefaultConfig()
	cfg.BindAddr = *listen
	cfg.AdvertiseAddr = *advertise

	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: generate identity key: %v\n", err)
		os.Exit(1)
	}
	cfg.Key = key
	self := wire.PeerID(crypto.NewOracle().PeerIDOf(&key.PublicKey))

	trans, err := transport.NewTCP(cfg.BindAddr, self, 5*time.Second, cfg.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: listen on %s: %v\n", cfg.BindAddr, err)
		os.Exit(1)
	}

	e, err := mesh.New(cfg, trans)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
		os.Exit(1)
	}

	e.Run()
	cfg.Logger().WithFields(map[string]interface{}{
		"peer":   e.Self().String(),
		"listen": cfg.BindAddr,
	}).Info("meshnode started")

	if *seedPeer != "" {
		raw, err := common.DecodeFromString(*seedPeer)
		if err != nil || len(raw) != len(wire.PeerID{}) {
			fmt.Fprintf(os.Stderr, "meshnode: bad -seed-peer: %v\n", err)
			os.Exit(1)
		}
		var peerID wire.PeerID
		copy(peerID[:], raw)
		if outcome, err := e.Join([]wire.PeerHint{{ID: peerID, Addr: *seedAddr}}); err != nil {
			cfg.Logger().WithError(err).WithField("outcome", outcome).Warn("join failed, starting as a lone seed")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: shutdown: %v\n", err)
	}
}
