// Command rfsd is a remote core which serves a host directory as an rfs
// volume over gRPC. Send SIGHUP to reload the config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/mitchellh/go-homedir"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/rfs/internal/cmdutil"
	"github.com/rfratto/rfs/internal/rfs/grpcrfs"
	"github.com/rfratto/rfs/internal/rfs/remote"
	"google.golang.org/grpc"
)

func main() {
	var (
		configFile string
		ll         cmdutil.LogLevel
		llSet      bool
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "YAML file to load config from")
	fs.Var(&ll, "log.level", "Level to display logs at. Overrides the config file")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	fs.Visit(func(f *flag.Flag) { llSet = llSet || f.Name == "log.level" })

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %s\n", err.Error())
		os.Exit(1)
	}
	if llSet {
		cfg.LogLevel = ll
	}

	l := cmdutil.NewLogger(os.Stdout, cfg.LogLevel, "rfsd")
	if err := runDaemon(l, configFile, cfg); err != nil {
		level.Error(l).Log("msg", "error running rfsd", "err", err)
		os.Exit(1)
	}
}

func runDaemon(l log.Logger, configFile string, cfg Config) error {
	var (
		group run.Group
		d     = newDaemon(l, cfg)
	)

	// Information server worker
	{
		lis, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			level.Debug(l).Log("msg", "listening for http traffic", "addr", lis.Addr())
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// Link worker
	{
		lis, err := listen(cfg.ListenAddr)
		if err != nil {
			return err
		}

		middleware := []remote.Middleware{remote.NewMetricsMiddleware(prometheus.DefaultRegisterer)}
		if cfg.LogRequests {
			middleware = append(middleware, remote.NewLoggingMiddleware(l))
		}

		srv := grpc.NewServer(grpc.ChainStreamInterceptor(loggingStreamingInterceptor(l)))
		err = grpcrfs.Register(srv, l, grpcrfs.ServerOptions{
			Remote: remote.Options{
				ConcurrencyLimit: cfg.ConcurrencyLimit,
				RequestTimeout:   cfg.RequestTimeout,
				Middleware:       middleware,
			},
			NewHandler: d.NewHandler,
		})
		if err != nil {
			return err
		}

		group.Add(func() error {
			level.Info(l).Log("msg", "serving volume", "addr", lis.Addr(), "volume", cfg.Volume, "root", cfg.Root)
			return srv.Serve(lis)
		}, func(_ error) {
			srv.GracefulStop()
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(ch)

			for {
				select {
				case sig := <-ch:
					if sig != syscall.SIGHUP {
						level.Info(l).Log("msg", "received shutdown signal")
						return nil
					}
					reload(ctx, l, d, configFile)
				case <-ctx.Done():
					return nil
				}
			}
		}, func(_ error) {
			cancel()
		})
	}

	return group.Run()
}

func reload(ctx context.Context, l log.Logger, d *daemon, configFile string) {
	if configFile == "" {
		level.Warn(l).Log("msg", "ignoring reload without -config.file")
		return
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		level.Error(l).Log("msg", "failed to reload config", "err", err)
		return
	}
	if err := d.Reload(ctx, cfg); err != nil {
		level.Error(l).Log("msg", "failed to apply reloaded config", "err", err)
	}
}

// listen opens a listener for a URL like tcp://host:port or unix://path.
func listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse listen addr %q as url: %w", addr, err)
	}

	address, err := homedir.Expand(u.Host + u.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid listen addr: %w", err)
	}

	lis, err := net.Listen(u.Scheme, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", u.Scheme, address, err)
	}
	return lis, nil
}

func loggingStreamingInterceptor(l log.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		level.Debug(l).Log("msg", "received gRPC stream", "method", info.FullMethod)
		err := handler(srv, ss)
		level.Debug(l).Log("msg", "gRPC stream finished", "method", info.FullMethod, "err", err)
		return err
	}
}
