package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/api"
	"github.com/psantana5/edgedash/pkg/auth"
	"github.com/psantana5/edgedash/pkg/config"
	"github.com/psantana5/edgedash/pkg/metrics"
	"github.com/psantana5/edgedash/pkg/node"
	"github.com/psantana5/edgedash/pkg/shutdown"
	edgetls "github.com/psantana5/edgedash/pkg/tls"
	"github.com/psantana5/edgedash/pkg/tracing"
	"github.com/psantana5/edgedash/pkg/transport/lan"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this device as a master or worker",
	Long: `Run starts the device described by the configuration. A master advertises itself,
ingests videos and offloads analysis; a worker discovers masters and analyses what it
is sent. The status API listens on api.listen.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("role", "", "master or worker")
	runCmd.Flags().String("name", "", "name advertised to other devices")
	runCmd.Flags().String("listen", "", "address of the status API")
	bindFlag(runCmd, "role", "role")
	bindFlag(runCmd, "device_name", "name")
	bindFlag(runCmd, "api.listen", "listen")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Transport.Kind != config.TransportLAN {
		return fmt.Errorf("transport %q can only be used by 'edgedash simulate'", cfg.Transport.Kind)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("Starting edgedash %s in %s", cfg.Role, cfg.DataDir))

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:  "edgedash-" + cfg.Role,
		Environment:  "edge",
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("Tracing unavailable: %v", err))
		tracer = nil
	}
	m := metrics.New()

	var tokenAuth *auth.TokenAuth
	if cfg.API.Token != "" {
		if tokenAuth, err = auth.NewTokenAuth(cfg.API.Token); err != nil {
			return err
		}
	}
	tlsCfg, err := serverTLS(cfg)
	if err != nil {
		return err
	}

	live := config.NewLive(cfg)
	watcher := config.NewWatcher(v, cfg, live, logger)
	watcher.OnChange(func(*config.Config) { m.RecordConfigReload() })
	watcher.Start()

	tr, err := lan.New(lan.Config{
		UDPPort:     cfg.Transport.UDPPort,
		TCPPort:     cfg.Transport.TCPPort,
		PeerTTL:     cfg.Transport.PeerTTL,
		DownloadDir: cfg.DownloadDir(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	n, err := node.New(node.Options{
		Config:    cfg,
		Transport: tr,
		Settings:  live,
		Logger:    logger,
		Metrics:   m,
		Tracer:    tracer,
	})
	if err != nil {
		tr.Close()
		return err
	}

	handler := api.NewHandler(api.Options{
		DeviceName: n.Name(),
		Endpoints:  n.Registry(),
		Queue:      n.Dispatcher(),
		Settings:   live,
		Metrics:    m,
		Tracer:     tracer,
		Logger:     logger,
		RateLimit:  cfg.API.RateLimit,
		Burst:      cfg.API.Burst,
		Auth:       tokenAuth,
	})
	srv := handler.Server(cfg.API.Listen)
	srv.TLSConfig = tlsCfg

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := n.Start(ctx); err != nil {
		n.Stop(context.Background())
		return err
	}
	logger.Info(fmt.Sprintf("Device %s is up", n.Name()))

	go func() {
		logger.Info(fmt.Sprintf("Status API listening on %s (tls %t)", cfg.API.Listen, tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("Status API failed: %v", err))
			stop()
		}
	}()

	logger.RotateEvery(ctx, time.Minute, cfg.Log.MaxSize)

	// hooks run in reverse order: the API closes first, the log file last
	mgr := shutdown.New(shutdownTimeout, logger)
	mgr.Register("logger", shutdown.CloseResource(logger))
	mgr.Register("node", n.Stop)
	mgr.Register("api", shutdown.StopHTTPServer(srv))

	mgr.WaitWithContext(ctx)
	return nil
}

// serverTLS loads the status API certificate, generating a self-signed one when asked.
// It returns nil when the API serves plain HTTP.
func serverTLS(cfg *config.Config) (*tls.Config, error) {
	cert, key, ok := cfg.TLSFiles()
	if !ok {
		return nil, nil
	}
	if cfg.API.SelfSigned {
		name := cfg.DeviceName
		if name == "" {
			name = "edgedash"
		}
		created, err := edgetls.EnsureCert(cert, key, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create certificate: %w", err)
		}
		if created {
			fmt.Printf("Generated self-signed certificate %s\n", cert)
		}
	}
	return edgetls.LoadServerConfig(cert, key)
}
