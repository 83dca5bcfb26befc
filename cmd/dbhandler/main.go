// Command dbhandler runs statements and bulk loads against a configured
// database.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/dbhandler"
	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/config"
	_ "github.com/dan-strohschein/dbhandler/session/sqldb/all"
)

type rootOptions struct {
	configPath string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dbhandler",
		Short:         "Run statements and bulk loads against a configured database",
		Version:       client.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				colorsEnabled = false
			}
		},
	}

	defaultConfig := os.Getenv("DBHANDLER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "dbhandler.yaml"
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig, "configuration file (env DBHANDLER_CONFIG)")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newSelectCmd(opts),
		newExecuteCmd(opts),
		newInferCmd(opts),
		newLoadCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func (o *rootOptions) config() (*config.Config, error) {
	return config.Load(o.configPath)
}

// open loads the configuration and opens a handler. When metrics are
// enabled they are served until the returned close function runs.
func (o *rootOptions) open(cmd *cobra.Command) (*dbhandler.Handler, func(), error) {
	cfg, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	h, err := dbhandler.Open(cfg, nil)
	if err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if mh := h.MetricsHandler(); mh != nil {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			_ = h.Close(context.Background())
			return nil, nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", mh)
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				printError(cmd.ErrOrStderr(), err)
			}
		}()
	}

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		if err := h.Close(ctx); err != nil {
			printError(cmd.ErrOrStderr(), err)
		}
	}
	return h, closeFn, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
