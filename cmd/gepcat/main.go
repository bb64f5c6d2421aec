// Command gepcat subscribes to a GEP publisher and prints the
// measurement stream to stdout. It doubles as a connectivity probe:
// point it at a publisher, give it a filter expression, and watch the
// stream.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gridpulse/gep4go/common"
	"github.com/gridpulse/gep4go/gep"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gepcat [host]",
		Short: "Subscribe to a GEP publisher and print measurements",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./gepcat.yaml)")
	flags.String("host", "localhost", "publisher hostname")
	flags.Uint16("port", 7165, "publisher command channel port")
	flags.String("filter", "", "filter expression for input measurement keys")
	flags.Bool("udp", false, "receive data packets over a UDP data channel")
	flags.Uint16("udp-port", 9500, "local UDP data channel port")
	flags.Bool("throttled", false, "track latest measurements only")
	flags.String("start-time", "", "temporal session start constraint")
	flags.String("stop-time", "", "temporal session stop constraint")
	flags.Int32("max-retries", -1, "connection attempts before giving up (-1 = infinite)")
	flags.Int32("retry-interval", 2000, "milliseconds between connection attempts")
	flags.Bool("no-reconnect", false, "disable automatic reconnection")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	flags.String("log-file", "", "write structured logs to this file")
	flags.Bool("debug", false, "enable debug logging")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gepcat")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("GEPCAT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	host := viper.GetString("host")
	if len(args) == 1 {
		host = args[0]
	}

	logger := common.NewZapLogger(common.ZapLoggerOptions{
		LogFile:    viper.GetString("log-file"),
		MaxSize:    50,
		MaxBackups: 3,
		DebugLevel: viper.GetBool("debug"),
	})

	subscriber := gep.NewSubscriber()
	subscriber.SetLogger(logger)

	info := gep.NewSubscriptionInfo()
	info.FilterExpression = viper.GetString("filter")
	info.Throttled = viper.GetBool("throttled")
	info.UdpDataChannel = viper.GetBool("udp")
	info.DataChannelLocalPort = uint16(viper.GetUint("udp-port"))
	info.StartTime = viper.GetString("start-time")
	info.StopTime = viper.GetString("stop-time")
	subscriber.SetSubscriptionInfo(info)

	subscriber.RegisterStatusMessageCallback(func(message string) {
		fmt.Println("[status]", message)
	})

	subscriber.RegisterErrorMessageCallback(func(message string) {
		fmt.Fprintln(os.Stderr, "[error]", message)
	})

	subscriber.RegisterDataStartTimeCallback(func(startTime int64) {
		fmt.Println("[start-time]", startTime)
	})

	subscriber.RegisterNewMeasurementsCallback(func(measurements []gep.Measurement) {
		for _, m := range measurements {
			fmt.Printf("%s %s:%d\t%d\t%g\n", m.SignalID, m.Source, m.ID, m.Timestamp, m.Value)
		}
	})

	subscriber.RegisterProcessingCompleteCallback(func(message string) {
		fmt.Println("[processing-complete]", message)
	})

	subscriber.RegisterConfigurationChangedCallback(func() {
		fmt.Println("[configuration-changed]")
	})

	subscriber.RegisterConnectionTerminatedCallback(func() {
		fmt.Println("[disconnected]")
	})

	if addr := viper.GetString("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(gep.NewSubscriberCollector(subscriber))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	connector := gep.NewConnector()
	connector.SetHostname(host)
	connector.SetPort(uint16(viper.GetUint("port")))
	connector.SetMaxRetries(viper.GetInt32("max-retries"))
	connector.SetRetryInterval(viper.GetInt32("retry-interval"))
	connector.SetAutoReconnect(!viper.GetBool("no-reconnect"))

	connector.RegisterErrorMessageCallback(func(message string) {
		fmt.Fprintln(os.Stderr, "[connector]", message)
	})

	connector.RegisterReconnectCallback(func(sub *gep.Subscriber) {
		if sub.IsConnected() {
			if err := sub.Subscribe(); err != nil {
				fmt.Fprintln(os.Stderr, "[connector] resubscribe failed:", err)
			}
		}
	})

	if !connector.Connect(subscriber) {
		return fmt.Errorf("unable to connect to %s:%d", host, viper.GetUint("port"))
	}

	if err := subscriber.Subscribe(); err != nil {
		subscriber.Disconnect()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	subscriber.Disconnect()
	return nil
}
