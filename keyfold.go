package main

import (
	"net"
	"net/http"
	"os"
	"runtime"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/chain"
	"github.com/keyfold/keyfold/mutstore"
	"github.com/keyfold/keyfold/router"
	"github.com/keyfold/keyfold/sitemgr"
	"github.com/keyfold/keyfold/transport"
	"github.com/keyfold/keyfold/wacctmgr"
	"github.com/keyfold/keyfold/wallet"
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	store, err := mutstore.Open(cfg.dbPath)
	if err != nil {
		log.Errorf("Failed to open database at %s: %v", cfg.dbPath, err)
		return err
	}

	kc, err := openKeychain(cfg, store)
	if err != nil {
		log.Errorf("Failed to open keychain: %v", err)
		store.Close()
		return err
	}
	if cfg.Create {
		// A create run only initializes the keychain; the daemon is
		// started separately.
		return store.Close()
	}

	clk := clock.NewDefaultClock()
	accts, err := wacctmgr.Open(store)
	if err != nil {
		log.Errorf("Failed to open account catalog: %v", err)
		store.Close()
		return err
	}
	sites, err := sitemgr.Open(store, clk)
	if err != nil {
		log.Errorf("Failed to open site authorizations: %v", err)
		store.Close()
		return err
	}

	// The chain backend is optional.  A failed connect downgrades to
	// detached operation instead of refusing to start; signing and
	// approvals do not depend on chain access.
	var chainBackend chain.Interface
	if cfg.ChainRPC != "" {
		client := chain.NewRPCClient(cfg.ChainRPC, cfg.Proxy,
			cfg.ProxyUser, cfg.ProxyPass)
		if err := client.Start(); err != nil {
			log.Warnf("Chain backend unavailable, running "+
				"detached: %v", err)
		} else {
			log.Infof("Connected to chain backend %s", cfg.ChainRPC)
			chainBackend = client
		}
	}

	w := wallet.New(wallet.Config{
		Store:     store,
		KeyChain:  kc,
		Accounts:  accts,
		Sites:     sites,
		Approvals: approval.NewQueue(clk),
		Chain:     chainBackend,
		Clock:     clk,
	})
	rtr := router.New(router.Config{
		Wallet:               w,
		PageRate:             rate.Limit(cfg.PageRate),
		PageBurst:            cfg.PageBurst,
		DefaultUnlockTimeout: cfg.UnlockTimeout,
	})

	upgrader := transport.NewUpgrader(cfg.AllowedOrigins)

	// One listener per trust domain.  The domain of a channel is a
	// property of the listener it arrived on, never of anything the
	// remote end claims.
	uiServer, err := serveDomain(rtr, upgrader, cfg.UIListen,
		transport.DomainUI, cfg.MaxClients)
	if err != nil {
		log.Errorf("Failed to listen on %s: %v", cfg.UIListen, err)
		store.Close()
		return err
	}
	pageServer, err := serveDomain(rtr, upgrader, cfg.PageListen,
		transport.DomainPage, cfg.MaxClients)
	if err != nil {
		log.Errorf("Failed to listen on %s: %v", cfg.PageListen, err)
		uiServer.Close()
		store.Close()
		return err
	}

	addInterruptHandler(func() {
		log.Info("Stopping listeners...")
		uiServer.Close()
		pageServer.Close()
		if chainBackend != nil {
			chainBackend.Stop()
			chainBackend.WaitForShutdown()
		}
		w.Stop()
		if err := store.Close(); err != nil {
			log.Errorf("Failed to close database: %v", err)
		}
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// serveDomain starts an HTTP server upgrading websocket connections into
// channels of the passed trust domain and handing them to the router.
func serveDomain(rtr *router.Router, upgrader *websocket.Upgrader, listenAddr string,
	domain transport.TrustDomain, maxClients int) (*http.Server, error) {

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	if maxClients > 0 {
		listener = netutil.LimitListener(listener, maxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if domain == transport.DomainPage && origin == "" {
			http.Error(w, "an Origin header is required",
				http.StatusForbidden)
			return
		}
		if domain == transport.DomainUI {
			origin = ""
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("Failed websocket upgrade from %s: %v",
				r.RemoteAddr, err)
			return
		}
		ch := transport.NewWSChannel(conn, domain, origin)
		go func() {
			rtr.ServeChannel(ch)
			ch.Close()
		}()
	})

	server := &http.Server{Handler: mux}
	go func() {
		log.Infof("Listening for %s channels on %s", domain,
			listener.Addr())
		err := server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Listener on %s exited: %v", listenAddr, err)
		}
	}()
	return server, nil
}
