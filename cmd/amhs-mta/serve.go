package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/caio-sobreiro/amhsnet/client"
	"github.com/caio-sobreiro/amhsnet/compliance"
	"github.com/caio-sobreiro/amhsnet/config"
	"github.com/caio-sobreiro/amhsnet/metrics"
	"github.com/caio-sobreiro/amhsnet/queue"
	"github.com/caio-sobreiro/amhsnet/relay"
	"github.com/caio-sobreiro/amhsnet/server"
	"github.com/caio-sobreiro/amhsnet/services"
)

// serveFlags override configuration values when set on the command line
type serveFlags struct {
	address       string
	metricsAddr   string
	storage       string
	mongoURI      string
	relay         bool
	localMTAName  string
	routingDomain string
	routes        string
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.address, "address", "", "RFC1006 listen address (default \":102\")")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Operations HTTP listen address, empty string disables it")
	fs.StringVar(&f.storage, "storage", "", "Storage driver: memory or mongodb")
	fs.StringVar(&f.mongoURI, "mongo-uri", "", "MongoDB connection URI")
	fs.BoolVar(&f.relay, "relay", false, "Enable the outbound relay engine")
	fs.StringVar(&f.localMTAName, "local-mta", "", "Local MTA name used in trace entries")
	fs.StringVar(&f.routingDomain, "routing-domain", "", "Routing domain used in trace entries")
	fs.StringVar(&f.routes, "routes", "", "Routing table in compact form, e.g. /C=IT/ADMD=ICAO->mta1:102|mta2:102")
}

// apply copies the flags that were set into cfg and revalidates it
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("address") {
		cfg.Server.Address = f.address
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Address = f.metricsAddr
		enabled := f.metricsAddr != ""
		cfg.Metrics.Enabled = &enabled
	}
	if fs.Changed("storage") {
		cfg.Storage.Driver = strings.ToLower(f.storage)
	}
	if fs.Changed("mongo-uri") {
		cfg.Storage.MongoDB.URI = f.mongoURI
	}
	if fs.Changed("relay") {
		cfg.Relay.Enabled = f.relay
	}
	if fs.Changed("local-mta") {
		cfg.Relay.LocalMTAName = f.localMTAName
	}
	if fs.Changed("routing-domain") {
		cfg.Relay.RoutingDomain = f.routingDomain
	}
	if fs.Changed("routes") {
		table, err := relay.ParseRoutingTable(f.routes)
		if err != nil {
			return fmt.Errorf("parsing --routes: %w", err)
		}
		cfg.Relay.Routes = table.Routes()
	}
	return cfg.Validate()
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MTA",
		Long: `Run the MTA: accept inbound RFC1006 associations, admit messages through
the priority queue, relay them to peer MTAs, expire delivery reports and
purge the archive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serve(ctx, cfg, log); err != nil {
				log.Error("MTA stopped with error", "error", err)
				return err
			}
			log.Info("MTA stopped")
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// serve wires the MTA from cfg and runs it until ctx is done
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	clock := clockwork.NewRealClock()

	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.close()

	channels, err := bootstrapChannels(ctx, cfg, stores, log)
	if err != nil {
		return err
	}

	q := queue.New(log)
	defer q.Close()

	mta := services.NewMTAService(stores.messages, compliance.NewValidator(channels),
		services.WithMTALogger(log),
		services.WithMTAClock(clock),
		services.WithDatabaseEnabled(config.Enabled(cfg.Storage.DatabaseEnabled, true)),
		services.WithQueue(q),
	)

	registry := services.NewRegistry(services.WithRegistryLogger(log.With("component", "commands")))
	registry.RegisterHandler(services.CommandRetrieve, services.NewRetrieveCommand(mta))
	sessions := services.NewSessionHandler(mta, registry, log)

	reports := services.NewDeliveryReportService(stores.reports, stores.messages, clock, log)
	archive := services.NewArchiveService(stores.messages, cfg.Archive.RetentionDays, clock, log)

	outboundTLS, err := loadOutboundTLS(cfg.Relay.TLS)
	if err != nil {
		return err
	}
	engine, err := relay.NewEngine(relay.Config{
		Enabled:       cfg.Relay.Enabled,
		ScanInterval:  cfg.Relay.ScanInterval,
		MaxAttempts:   cfg.Relay.MaxAttempts,
		LocalMTAName:  cfg.Relay.LocalMTAName,
		RoutingDomain: cfg.Relay.RoutingDomain,
		Concurrency:   cfg.Relay.Concurrency,
		Clock:         clock,
		Logger:        log.With("component", "relay"),
		Routes:        cfg.Relay.Routes.Table(),
		Store:         stores.messages,
		Client: client.NewP1Client(client.Config{
			ConnectTimeout: cfg.Relay.ConnectTimeout,
			ReadTimeout:    cfg.Relay.ReadTimeout,
			WriteTimeout:   cfg.Relay.ReadTimeout,
			TLSConfig:      outboundTLS,
			Logger:         log.With("component", "client"),
		}),
		Reporter: reports,
	})
	if err != nil {
		return fmt.Errorf("creating relay engine: %w", err)
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithReadTimeout(cfg.Server.ReadTimeout),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := server.LoadTLSConfig(server.TLSFiles{
			CertFile:          cfg.TLS.CertFile,
			KeyFile:           cfg.TLS.KeyFile,
			ClientCAFile:      cfg.TLS.ClientCAFile,
			RequireClientCert: cfg.TLS.RequireClientCert,
		})
		if err != nil {
			return err
		}
		opts = append(opts, server.WithTLSConfig(tlsConfig))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Background task failed", "task", name, "error", err)
				cancel()
			}
		}()
	}

	background("relay", engine.Run)
	if config.Enabled(cfg.DeliveryReports.Enabled, true) {
		background("delivery-reports", func(ctx context.Context) error {
			return reports.Run(ctx, cfg.DeliveryReports.CheckInterval)
		})
	}
	if config.Enabled(cfg.Archive.Enabled, true) {
		background("archive", func(ctx context.Context) error {
			return archive.Run(ctx, cfg.Archive.Interval)
		})
	}
	if config.Enabled(cfg.Metrics.Enabled, true) {
		background("ops-http", func(ctx context.Context) error {
			return serveOps(ctx, cfg.Metrics, stores.ping, log)
		})
	}

	log.Info("AMHS MTA listening",
		"address", cfg.Server.Address,
		"tls", cfg.TLS.Enabled,
		"storage", cfg.Storage.Driver,
		"relay", cfg.Relay.Enabled,
		"version", version)
	err = server.ListenAndServe(ctx, cfg.Server.Address, sessions, opts...)
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadOutboundTLS returns nil when outbound TLS is disabled
func loadOutboundTLS(cfg config.OutboundTLS) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read relay CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load relay key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
