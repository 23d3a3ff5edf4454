// Command cnd runs the cross-chain atomic swap coordinator daemon: it
// serves the JSON/Siren HTTP API, drives the announce handshake, and
// coordinates per-swap protocol drivers against the configured ledger
// backends (spec.md §2).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v3"

	cnd "github.com/comit-network/cnd"
	"github.com/comit-network/cnd/announce"
	"github.com/comit-network/cnd/build"
	cndbitcoin "github.com/comit-network/cnd/connectors/bitcoin"
	cndethereum "github.com/comit-network/cnd/connectors/ethereum"
	cndlightning "github.com/comit-network/cnd/connectors/lightning"
	"github.com/comit-network/cnd/config"
	"github.com/comit-network/cnd/coordinator"
	"github.com/comit-network/cnd/httpapi"
	"github.com/comit-network/cnd/protocol"
	"github.com/comit-network/cnd/statestore"
	"github.com/comit-network/cnd/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cnd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	root := build.NewRotatingLogWriter()
	if cfg.Log.Dir != "" {
		logFile := cfg.Log.Dir + string(os.PathSeparator) + "cnd.log"
		if err := root.InitLogRotator(logFile, cfg.Log.MaxFileSize, cfg.Log.MaxFiles); err != nil {
			return fmt.Errorf("initialising log rotator: %w", err)
		}
	}
	defer root.Close()

	cnd.SetupLoggers(root)
	cnd.AddSubLogger(root, "CNDD", UseLogger)
	cnd.AddSubLogger(root, "CNCT", cndbitcoin.UseLogger, cndethereum.UseLogger, cndlightning.UseLogger)
	cnd.AddSubLogger(root, "DRVR", protocol.UseLogger)
	cnd.AddSubLogger(root, "CORD", coordinator.UseLogger)
	cnd.AddSubLogger(root, "ANNC", announce.UseLogger)
	cnd.AddSubLogger(root, "STOR", storage.UseLogger)
	cnd.AddSubLogger(root, "HTTP", httpapi.UseLogger)
	root.SetLogLevels(cfg.Log.Level)

	db, err := storage.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	store := statestore.New()
	coord := coordinator.New(store)

	peerID, err := peerIdentity(cfg.Libp2p.Seed)
	if err != nil {
		return fmt.Errorf("deriving peer identity: %w", err)
	}

	initiator, err := announce.NewInitiator(func(ctx context.Context, addr string) (net.Conn, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return fmt.Errorf("building announce initiator: %w", err)
	}
	initiator.Start()
	defer initiator.Stop()

	httpSrv := httpapi.NewServer(store, db, initiator, httpapi.Identity{
		PeerID:          peerID,
		ListenAddresses: []string{cfg.Libp2p.ListenMultiaddr},
	})

	d := newDaemon(cfg, db, coord, httpSrv)
	httpSrv.OnCreated(d.indexCreated)
	httpSrv.OnAccepted(d.acceptAlice)

	listenAddr, err := tcpAddrFromMultiaddr(cfg.Libp2p.ListenMultiaddr)
	if err != nil {
		return fmt.Errorf("resolving announce listen address: %w", err)
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	defer listener.Close()

	responder := announce.NewResponder(d)
	go serveAnnounce(listener, responder)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddress,
		Handler: httpSrv.Router(),
	}

	go func() {
		log.Infof("http api listening on %s", cfg.HTTP.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)

	coord.Shutdown()

	return nil
}

func serveAnnounce(listener net.Listener, responder *announce.Responder) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Errorf("announce listener: %v", err)
			return
		}
		go func() {
			defer conn.Close()
			if err := responder.HandleStream(conn); err != nil {
				log.Warnf("announce stream: %v", err)
			}
		}()
	}
}

// peerIdentity derives this node's peer id from the configured hex seed,
// or from fresh entropy if none is set: the seed becomes a secp256k1
// private key and the id is its compressed public key, so a persistent
// seed yields a stable identity across restarts while never exposing
// anything but the public half.
func peerIdentity(seedHex string) (string, error) {
	var seed []byte
	if seedHex != "" {
		var err error
		seed, err = hex.DecodeString(seedHex)
		if err != nil {
			return "", fmt.Errorf("cnd: decoding identity seed: %w", err)
		}
		if len(seed) != 32 {
			return "", fmt.Errorf("cnd: identity seed has %d bytes, want 32", len(seed))
		}
	} else {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return "", err
		}
	}

	priv := secp256k1.PrivKeyFromBytes(seed)
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}
