// cmd/cdpserver/main.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/cdpfgl/cdpserver/server"
	"github.com/cdpfgl/cdpserver/storage"
	"github.com/cdpfgl/cdpserver/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [options]\n\noptions:\n",
		server.ProgramName)
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		help       = flag.BoolP("help", "h", false, "print this help and exit")
		version    = flag.BoolP("version", "v", false, "print version and exit")
		debug      = flag.IntP("debug", "d", 0, "debug output (0 or 1)")
		configFile = flag.StringP("configuration", "c", "", "configuration file to use")
		port       = flag.IntP("port", "p", 0, "port to listen on (overrides configuration)")
	)
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		return 0
	}
	if *version {
		fmt.Print(server.VersionBanner())
		return 0
	}

	log := util.NewLogger(*debug != 0)
	storage.SetLogger(log)
	server.SetLogger(log)

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	backend, err := server.NewBackend(cfg)
	if err != nil {
		log.Errorf("opening backend: %v", err)
		return 1
	}

	srv := server.New(backend)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.Port),
		Handler: srv,
	}

	done := make(chan int, 1)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		got := <-sig
		log.Infof("received %s, shutting down", got)

		ctx, cancel := context.WithTimeout(context.Background(),
			30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Errorf("http shutdown: %v", err)
		}
		done <- 0
	}()

	log.Infof("%s listening on %s", server.ProgramName, httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Errorf("http: %v", err)
		srv.Shutdown()
		return 1
	}

	ret := <-done
	// In-flight requests are finished; drain the queues before exit.
	srv.Shutdown()
	return ret
}
