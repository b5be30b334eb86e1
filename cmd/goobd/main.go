package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/goobd/internal/ecu"
	"github.com/shaunagostinho/goobd/internal/server"
)

var (
	configPath  string
	logLevel    string
	adapterType string
	portPath    string
	retries     uint
)

var rootCmd = &cobra.Command{
	Use:   "goobd",
	Short: "Vehicle diagnostics over ELM327 and CAN adapters",
	Long: `goobd reads live parameters and trouble codes from a vehicle.

Adapters:
  obd2  standard OBD-II PIDs through an ELM327 compatible adapter
  uds   manufacturer identifiers (service 22) over an ELM327 or SocketCAN
  demo  simulated vehicle

Examples:
  goobd ports --type uds
  goobd poll --type obd2 --port /dev/rfcomm0 --count 10
  goobd dtc --type uds --port can0
  goobd serve --config /etc/goobd/config.yaml`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil || logLevel == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/goobd/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&adapterType, "type", "t", "", "adapter type: obd2, uds, demo (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&portPath, "port", "p", "", "serial device or CAN interface (overrides config)")
	rootCmd.PersistentFlags().UintVarP(&retries, "retries", "r", 3, "connection attempts before giving up")

	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(dtcCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() *server.Config {
	cfg := server.LoadConfig(configPath)
	if adapterType != "" {
		cfg.Adapter.Type = adapterType
	}
	if portPath != "" {
		cfg.Adapter.Port = portPath
	}
	if lvl := cfg.Logging.Level; lvl != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		if level, err := zerolog.ParseLevel(lvl); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg
}

// connect builds the configured handler and connects it with backoff.
func connect(ctx context.Context, cb ecu.Callbacks) (ecu.Handler, error) {
	cfg := loadConfig()
	h, err := cfg.NewHandler(cb)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.HandlerOptions()
	if err != nil {
		return nil, err
	}
	if retries == 0 {
		retries = 1
	}
	if err := server.ConnectWithRetry(ctx, h, cfg.Adapter.Port, opts, retries); err != nil {
		return nil, err
	}
	return h, nil
}
