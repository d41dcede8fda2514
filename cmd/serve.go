package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micrictor/appwall/internal/api"
	"github.com/micrictor/appwall/internal/config"
	"github.com/micrictor/appwall/internal/firewall"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/log"
	"github.com/micrictor/appwall/internal/netfilter"
	"github.com/micrictor/appwall/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const SHUTDOWN_TIMEOUT = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the firewall daemon",
	Long:  `Programs the packet filter, answers inspector queries and serves the control API`,
	RunE:  serveMain,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("trace", false, "Print every packet filter command as it is applied.")
}

func serveMain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	logger := logrus.WithField("component", "serve")

	var tableOpts []netfilter.Option
	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		out := cmd.OutOrStdout()
		tableOpts = append(tableOpts, netfilter.WithTracer(func(c string, err error) {
			if err != nil {
				fmt.Fprintf(out, "+ %s (%v)\n", c, err)
				return
			}
			fmt.Fprintf(out, "+ %s\n", c)
		}))
	}
	table, err := netfilter.New(cfg.Table.Backend, netfilter.Config{
		QueueNum:         cfg.Table.QueueNum,
		BridgePort:       cfg.Bridge.Port,
		UIDMarkOffset:    cfg.Firewall.UIDMarkOffset,
		WiFiPrefixes:     cfg.Interfaces.WiFi,
		CellularPrefixes: cfg.Interfaces.Cellular,
	}, tableOpts...)
	if err != nil {
		return err
	}

	health := api.NewHealth()
	onConnect, onDisconnect := health.BridgeHooks()
	fw := firewall.New(firewall.ConfigFrom(cfg), table,
		firewall.WithStore(store.NewFileStore(cfg.Rules.File)),
		firewall.WithInterfaceResolver(iface.NewResolver(cfg.Interfaces.WiFi, cfg.Interfaces.Cellular)),
		firewall.WithApps(cfg.Apps),
		firewall.WithBridgeHooks(onConnect, onDisconnect),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fw.Start(ctx); err != nil {
		return err
	}
	srv, err := api.NewServer(cfg.API.Listen, fw, &api.Options{AccessLog: true, Keyfunc: cfg.Keyfunc})
	if err != nil {
		fw.Stop()
		return err
	}
	logger.Infof("control api listening on %s", srv.Addr())
	if cfg.Keyfunc == nil {
		logger.Warn("control api runs without authentication")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if cfg.API.GRPCListen != "" {
		ln, err := net.Listen("tcp", cfg.API.GRPCListen)
		if err != nil {
			srv.Shutdown(context.Background())
			fw.Stop()
			return err
		}
		logger.Infof("grpc health listening on %s", ln.Addr())
		g.Go(func() error { return health.Serve(ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("control api shutdown: %v", err)
		}
		health.Stop()
		return fw.Stop()
	})
	return g.Wait()
}
