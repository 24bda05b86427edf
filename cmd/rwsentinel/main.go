// Command rwsentinel connects to a redis deployment, either through sentinels
// or to a static list of servers, and follows its topology, logging every
// change and exposing it as prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediocregopher/rwsentinel"
	"github.com/mediocregopher/rwsentinel/config"
	"github.com/mediocregopher/rwsentinel/metrics"
	"github.com/mediocregopher/rwsentinel/static"
)

type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "rwsentinel",
		Short:         "Follow the topology of a redis deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "path of the TOML config file")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level, overrides the config file")
	cmd.AddCommand(newWatchCmd(o), newPrintConfigCmd(o))
	return cmd
}

func (o *options) load() (*config.Config, error) {
	if o.configPath == "" {
		return nil, errors.New("--config is required")
	}
	c, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		c.Log.Level = o.logLevel
	}
	return c, nil
}

func initLogger(c *config.Config) error {
	lg, props, err := log.InitLogger(&log.Config{
		Level: c.Log.Level,
		File:  log.FileLogConfig{Filename: c.Log.File},
	})
	if err != nil {
		return errors.Annotate(err, "initializing logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

func newPrintConfigCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Validate the config file and print it with defaults filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.load()
			if err != nil {
				return err
			}
			s, err := c.Toml()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newWatchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect to the deployment and follow its topology until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.load()
			if err != nil {
				return err
			}
			if err := initLogger(c); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer cancel()
			return watch(ctx, c)
		},
	}
}

// topology is what watch needs from either a Sentinel or a static Topology.
type topology interface {
	Do(a radix.Action) error
	DoRead(a radix.Action) error
	Close() error
}

func watch(ctx context.Context, c *config.Config) error {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return errors.Trace(err)
	}

	var (
		top      topology
		describe func() []zap.Field
		err      error
	)
	switch c.Mode {
	case config.ModeSentinel:
		opts := append(c.SentinelOpts(log.L()), rwsentinel.SentinelWithTrace(m.SentinelTrace(c.MasterName)))
		var s *rwsentinel.Sentinel
		if s, err = rwsentinel.NewSentinel(ctx, c.MasterName, c.Sentinels, opts...); err == nil {
			top = s
			describe = func() []zap.Field {
				t := s.Topology()
				return []zap.Field{
					zap.Stringer("master", t.Master),
					zap.Int("available", len(t.Available)),
					zap.Int("unavailable", len(t.Unavailable)),
					zap.Uint64("generation", t.Generation),
				}
			}
		}
	case config.ModeStatic:
		servers, perr := static.ParseServers(c.Servers)
		if perr != nil {
			return perr
		}
		opts := append(c.StaticOpts(log.L()), static.WithTrace(m.StaticTrace()))
		var st *static.Topology
		if st, err = static.New(servers, opts...); err == nil {
			top = st
			describe = func() []zap.Field {
				return []zap.Field{
					zap.Int("masters", len(st.Masters())),
					zap.Int("replicas", len(st.Replicas())),
				}
			}
		}
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := top.Close(); err != nil {
			log.Warn("error closing redis connections", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              c.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("serving metrics", zap.String("addr", c.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Annotate(err, "serving metrics")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Trace(srv.Shutdown(shutdownCtx))
	})
	eg.Go(func() error {
		tick := time.NewTicker(time.Duration(c.HealthCheckPeriod))
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				fields := describe()
				if err := top.DoRead(radix.Cmd(nil, "PING")); err != nil {
					fields = append(fields, zap.NamedError("read-error", err))
				}
				if err := top.Do(radix.Cmd(nil, "PING")); err != nil {
					fields = append(fields, zap.NamedError("write-error", err))
				}
				log.Info("topology", fields...)
			}
		}
	})

	log.Info("watching redis topology", zap.String("mode", c.Mode))
	if err := eg.Wait(); err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	log.Info("shutting down")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
