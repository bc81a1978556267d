// gobalancer - SOCKS5 load balancer
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/socks5balancer/gobalancer/internal/accept"
	"github.com/socks5balancer/gobalancer/internal/admin"
	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/internal/configwatch"
	"github.com/socks5balancer/gobalancer/internal/metrics"
	"github.com/socks5balancer/gobalancer/internal/ratelimit"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// version is overridable at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires every component together and blocks until a termination
// signal or an unrecoverable startup error. It returns the process exit
// code so main can keep deferred cleanup out of os.Exit's path.
func run(args []string) int {
	fs := flag.NewFlagSet("gobalancer", flag.ContinueOnError)
	var cfgFile string
	fs.StringVar(&cfgFile, "config", "config.json", "path to configuration file")
	fs.StringVar(&cfgFile, "c", "config.json", "shorthand for -config")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.BoolVar(showVersion, "v", false, "shorthand for -version")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("gobalancer " + version)
		return 0
	}

	log := logger.Default

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Error("config: %v", err)
		return 1
	}

	pool, err := upstreampool.New(cfg, log)
	if err != nil {
		log.Error("upstreampool: %v", err)
		return 1
	}

	reg := registry.New(log)
	auth := authdir.New(cfg.AuthClientInfo)
	limiter := ratelimit.NewLimiter(&cfg.RateLimit)

	prom := metrics.InitPrometheus("gobalancer")
	collector := metrics.NewCollector(prom)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.StartCheckTimers(ctx)

	mgr := accept.New(cfg, pool, reg, auth, limiter, collector, log)

	adminAddr := net.JoinHostPort(cfg.StateServerHost, strconv.Itoa(cfg.StateServerPort))
	adminSrv := admin.New(adminAddr, cfg, pool, reg, auth, limiter, collector, prom, log)

	watcher, err := configwatch.New(cfgFile, func(newCfg *config.Config) {
		pool.SetConfig(newCfg)
	}, log)
	if err != nil {
		log.Error("configwatch: %v", err)
		return 1
	}
	watchStop := make(chan struct{})
	go watcher.Run(watchStop)
	defer close(watchStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- mgr.Run(ctx) }()

	go func() {
		if err := adminSrv.Serve(ctx); err != nil {
			log.Error("admin: %v", err)
		}
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("main: received %s, shutting down", sig)
		cancel()
		<-acceptErrCh
	case err := <-acceptErrCh:
		if err != nil {
			log.Error("accept: %v", err)
			exitCode = 1
		}
		cancel()
	}

	log.Info("main: shutdown complete")
	return exitCode
}
