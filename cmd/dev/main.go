package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/latticedb/lattice-go/common/balancing"
	"github.com/latticedb/lattice-go/common/discovery"
	"github.com/latticedb/lattice-go/common/routing"
	"github.com/latticedb/lattice-go/pkg/app_config"
	"github.com/latticedb/lattice-go/pkg/version"
	"github.com/latticedb/lattice-go/pkg/webapi"
	"github.com/latticedb/lattice-go/utils/latestonlychannel"
)

var rootCmd = &cobra.Command{
	Version: version.Get(),

	Use:   "lattice-dev",
	Short: "A development harness that drives the routing core against a simulated cluster",

	Run: func(cmd *cobra.Command, args []string) {
		startDev()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.String("bootstrap", "lattice.internal:7687", "the bootstrap router address")
	configFlags.StringSlice("readers", []string{"10.0.0.1:7687", "10.0.0.2:7687"}, "the simulated reader addresses")
	configFlags.StringSlice("writers", []string{"10.0.0.3:7687"}, "the simulated writer addresses")
	configFlags.StringSlice("routers", []string{"10.0.0.1:7687", "10.0.0.3:7687"}, "the simulated router addresses")
	configFlags.Int("ttl", 10, "the routing table ttl in seconds")
	configFlags.Int("max-routing-failures", 5, "attempts before discovery gives up")
	configFlags.Int("retry-delay-ms", 500, "initial rediscovery retry delay")
	configFlags.Bool("chaos", false, "periodically fail over the simulated writer")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("lat")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr        string
	bindAddress        string
	webPort            int
	bootstrap          string
	readers            []string
	writers            []string
	routers            []string
	ttlSecs            int
	maxRoutingFailures int
	retryDelayMs       int
	chaos              bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		bootstrap:          viper.GetString("bootstrap"),
		readers:            viper.GetStringSlice("readers"),
		writers:            viper.GetStringSlice("writers"),
		routers:            viper.GetStringSlice("routers"),
		ttlSecs:            viper.GetInt("ttl"),
		maxRoutingFailures: viper.GetInt("max-routing-failures"),
		retryDelayMs:       viper.GetInt("retry-delay-ms"),
		chaos:              viper.GetBool("chaos"),
	}

	logger.Info("parsed dev harness configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("bootstrap", config.bootstrap),
		zap.Strings("readers", config.readers),
		zap.Strings("writers", config.writers),
		zap.Strings("routers", config.routers),
		zap.Int("ttlSecs", config.ttlSecs),
		zap.Int("maxRoutingFailures", config.maxRoutingFailures),
		zap.Int("retryDelayMs", config.retryDelayMs),
		zap.Bool("chaos", config.chaos))

	return config
}

func parseAddrs(strs []string) ([]routing.ServerAddress, error) {
	out := make([]routing.ServerAddress, 0, len(strs))
	for _, s := range strs {
		addr, err := routing.ParseServerAddress(s)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse address %q", s)
		}
		out = append(out, addr)
	}
	return out, nil
}

func startDev() {
	logLevel, logger := getLogger()

	logger.Info("starting lattice-dev", zap.String("version", version.Get()))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	if watchCfgFile && cfgFile != "" {
		watcher := app_config.NewConfigWatcher[app_config.DevConfig](cfgFile)
		if watcher == nil {
			logger.Warn("failed to watch config file")
		} else {
			configCh := make(chan app_config.DevConfig, 8)
			_ = watcher.Subscribe(configCh)
			go func() {
				for updated := range configCh {
					if updated.LogLevel == "" {
						continue
					}
					newLevel, err := zapcore.ParseLevel(updated.LogLevel)
					if err != nil {
						logger.Warn("invalid log level in updated config", zap.String("logLevel", updated.LogLevel))
						continue
					}
					logger.Info("updating log level", zap.String("logLevel", updated.LogLevel))
					logLevel.SetLevel(newLevel)
				}
			}()
		}
	}

	promExp, err := prometheus.New()
	if err != nil {
		logger.Error("failed to initialize prometheus exporter", zap.Error(err))
		os.Exit(1)
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp)))

	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	bootstrap, err := routing.ParseServerAddress(config.bootstrap)
	if err != nil {
		logger.Error("failed to parse bootstrap address", zap.Error(err))
		os.Exit(1)
	}

	readers, err := parseAddrs(config.readers)
	if err != nil {
		logger.Error("failed to parse reader addresses", zap.Error(err))
		os.Exit(1)
	}
	writers, err := parseAddrs(config.writers)
	if err != nil {
		logger.Error("failed to parse writer addresses", zap.Error(err))
		os.Exit(1)
	}
	routers, err := parseAddrs(config.routers)
	if err != nil {
		logger.Error("failed to parse router addresses", zap.Error(err))
		os.Exit(1)
	}

	clock := routing.SystemClock()

	cluster := newSimCluster(simClusterOptions{
		Logger:  logger.Named("simcluster"),
		Readers: readers,
		Writers: writers,
		Routers: append([]routing.ServerAddress{bootstrap}, routers...),
		TtlSecs: int64(config.ttlSecs),
	})

	go func() {
		for note := range latestonlychannel.Wrap(cluster.Changes()) {
			logger.Info("cluster topology changed", zap.String("change", note))
		}
	}()

	table := routing.NewRoutingTable(routing.RoutingTableOptions{
		Logger:          logger,
		Clock:           clock,
		BootstrapRouter: bootstrap,
	})

	provider := discovery.NewProcedureProvider(discovery.ProcedureProviderOptions{
		Logger:         logger,
		Clock:          clock,
		RoutingContext: discovery.RoutingContext{"harness": "lattice-dev"},
	})

	rediscovery, err := discovery.NewRediscovery(discovery.RediscoveryOptions{
		Logger:          logger,
		Clock:           clock,
		Provider:        provider,
		Resolver:        &discovery.PassthroughResolver{},
		BootstrapRouter: bootstrap,
		Settings: discovery.RoutingSettings{
			MaxRoutingFailures: config.maxRoutingFailures,
			RetryTimeoutDelay:  time.Duration(config.retryDelayMs) * time.Millisecond,
		},
	})
	if err != nil {
		logger.Error("failed to create rediscovery", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	balancer, err := balancing.NewLoadBalancer(ctx, balancing.LoadBalancerOptions{
		Logger:       logger,
		Pool:         cluster,
		RoutingTable: table,
		Rediscovery:  rediscovery,
	})
	if err != nil {
		logger.Error("failed to create load balancer", zap.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if config.chaos {
		go runChaos(ctx, logger.Named("chaos"), cluster, writers)
	}

	runTraffic(ctx, logger.Named("traffic"), balancer)
}

// runTraffic alternates read and write acquisitions forever, pinging through
// every connection it gets, so the balancer's behavior can be observed on
// the web api and in the logs.
func runTraffic(ctx context.Context, logger *zap.Logger, balancer *balancing.LoadBalancer) {
	mode := routing.ReadAccess
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}

		conn, err := balancer.Acquire(ctx, mode)
		if err != nil {
			logger.Warn("acquisition failed", zap.Stringer("mode", mode), zap.Error(err))
		} else {
			_, err = conn.RunProcedure(ctx, "CALL db.ping()", nil)
			if err != nil {
				logger.Warn("ping failed", zap.Stringer("address", conn.Address()), zap.Error(err))
			} else {
				logger.Debug("ping succeeded",
					zap.Stringer("mode", mode), zap.Stringer("address", conn.Address()))
			}
			_ = conn.Close()
		}

		if mode == routing.ReadAccess {
			mode = routing.WriteAccess
		} else {
			mode = routing.ReadAccess
		}
	}
}

// runChaos periodically demotes every writer and promotes a replacement a
// few seconds later, simulating leader failover.
func runChaos(ctx context.Context, logger *zap.Logger, cluster *simCluster, writers []routing.ServerAddress) {
	if len(writers) == 0 {
		return
	}

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(15 * time.Second):
		}

		logger.Info("demoting writers")
		cluster.DemoteWriters()

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		promoted := writers[next%len(writers)]
		next++
		logger.Info("promoting writer", zap.Stringer("address", promoted))
		cluster.PromoteWriter(promoted)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
