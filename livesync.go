package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/livesync/admin"
	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/fetch"
	"github.com/maxpert/livesync/filter"
	"github.com/maxpert/livesync/id"
	"github.com/maxpert/livesync/multiplexer"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/protocol"
	"github.com/maxpert/livesync/publisher"
	_ "github.com/maxpert/livesync/publisher/sink"
	_ "github.com/maxpert/livesync/publisher/transformer"
	"github.com/maxpert/livesync/resource"
	"github.com/maxpert/livesync/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("server", cfg.Config.Server.APIURL).Msg("Livesync - live resource synchronization")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, err := fetch.NewClient(fetch.OptionsFromConfig(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create fetch client")
		return
	}

	codec, err := protocol.CodecFor(cfg.Config.Socket.Codec)
	if err != nil {
		log.Fatal().Err(err).Msg("Unsupported socket codec")
		return
	}

	socketURL, err := channel.SocketURL(cfg.Config.Server.SocketURL, cfg.Config.ClientID)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid socket URL")
		return
	}
	settings := channel.SettingsFromConfig(cfg.Config)
	mux := multiplexer.New(ctx, func() multiplexer.Channel {
		return channel.New(socketURL, settings)
	}, codec)

	var mirror *publisher.Registry
	if cfg.Config.Publisher.Enabled {
		log.Info().Int("sinks", len(cfg.Config.Publisher.Sinks)).Msg("Initializing change mirror")
		mirror, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize change mirror")
			return
		}
		if err := mirror.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start change mirror")
			return
		}
	}

	hub := notify.NewHub()
	resources := resource.NewRegistry()
	ids := id.NewUUIDGenerator(cfg.Config.ClientID)

	for _, w := range cfg.Config.Watches {
		if err := startWatch(ctx, w, fetcher, mux, hub, resources, ids, mirror); err != nil {
			log.Fatal().Err(err).Str("watch", w.Name).Msg("Failed to start watch")
			return
		}
	}
	log.Info().Int("watches", resources.Len()).Msg("Watches activated")

	var cursors telemetry.CursorSource
	if mirror != nil {
		cursors = mirror
	}
	collector := telemetry.NewMetricsCollector(resources, cursors, 5*time.Second)
	collector.Start()

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		opts := admin.Options{
			Resources:     resources,
			Subscriptions: mux,
			Hub:           hub,
		}
		if mirror != nil {
			opts.Mirror = mirror
			opts.OnRelease = func(name, path string) {
				if err := mirror.Forget(name, path); err != nil {
					log.Warn().Err(err).Str("watch", name).Msg("Failed to mirror release")
				}
			}
		}

		var metrics = telemetry.GetMetricsHandler()
		if !cfg.Config.Prometheus.Enabled {
			metrics = nil
		}

		address := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
		adminServer, err = admin.NewServer(address, admin.NewAdminHandlers(opts), metrics)
		if err != nil {
			log.Fatal().Err(err).Str("address", address).Msg("Failed to start admin server")
			return
		}
		adminServer.Start()
		log.Info().Str("address", adminServer.Addr()).Msg("Admin server listening")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// Ends admin watch streams so the server can drain
	hub.Close()
	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := adminServer.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown")
		}
		cancel()
	}
	collector.Stop()
	resources.ReleaseAll()
	mux.Close()
	if mirror != nil {
		mirror.Stop()
	}
}

// startWatch builds the Synchronizer for one configured watch and activates it
func startWatch(
	ctx context.Context,
	w cfg.WatchConfiguration,
	fetcher fetch.Fetcher,
	mux *multiplexer.Multiplexer,
	hub *notify.Hub,
	resources *resource.Registry,
	ids id.Generator,
	mirror *publisher.Registry,
) error {
	kind, err := resource.ParseKind(w.Kind)
	if err != nil {
		return err
	}

	tokens, err := filter.ParseAll(w.Filter)
	if err != nil {
		return err
	}

	query := url.Values{}
	for k, v := range w.Query {
		query.Set(k, v)
	}
	query = tokens.Query(query)

	opts := resource.Options{
		Name:   w.Name,
		Kind:   kind,
		RowKey: w.RowKey,
		IDs:    ids,
		Hub:    hub,
	}
	if mirror != nil {
		path := w.Path
		opts.OnChange = func(name string, state resource.State) {
			if err := mirror.Observe(name, path, state); err != nil {
				log.Warn().Err(err).Str("watch", name).Msg("Failed to mirror change")
			}
		}
	}

	synchronizer := resource.New(fetcher, mux, opts)
	if err := resources.Add(w.Name, synchronizer); err != nil {
		return err
	}

	return synchronizer.Activate(ctx, resource.Params{
		Path:              w.Path,
		Query:             query,
		SubscribeToEvents: w.Subscribe,
		FetchAllData:      w.FetchAll,
	})
}
