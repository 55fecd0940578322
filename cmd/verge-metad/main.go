package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vergedb/verge/pkg/config"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/meta"
	"github.com/vergedb/verge/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

var cfg config.MetadConfig
var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "verge-metad",
	Short:   "Verge metadata daemon",
	Long:    `verge-metad holds cluster membership, spaces, schemas and admin jobs, replicated across meta replicas.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&cfg.NodeID, "node-id", "", "unique node id")
	rootCmd.Flags().StringVar(&cfg.BindAddr, "bind", "", "raft bind address")
	rootCmd.Flags().StringVar(&cfg.RPCAddr, "rpc", "", "client rpc address")
	rootCmd.Flags().StringVar(&cfg.DataDir, "data-dir", "", "data directory")
	rootCmd.Flags().BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap a new cluster")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
}

func run(cmd *cobra.Command) error {
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}
	cfg.ApplyDefaults()

	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

	logDir := cfg.Log.Dir
	if logDir == "" {
		logDir = cfg.DataDir
	}
	monitor, err := log.NewMonitor(log.DefaultMonitorConfig(logDir))
	if err != nil {
		return err
	}
	monitor.Start()
	defer monitor.Stop()

	svc, err := meta.NewService(meta.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return err
	}
	if cfg.Bootstrap {
		if err := svc.Bootstrap(); err != nil {
			return err
		}
	} else {
		if err := svc.Join(); err != nil {
			return err
		}
	}
	metrics.RegisterComponent("raft", true, "")
	metrics.RegisterComponent("kvstore", true, "meta store")
	svc.Jobs().Start()

	server := meta.NewServer(svc)
	if err := server.Listen(cfg.RPCAddr); err != nil {
		return err
	}
	metrics.RegisterComponent("rpc", true, "")
	log.Logger.Info().Str("rpc", cfg.RPCAddr).Str("raft", cfg.BindAddr).Msg("Meta daemon up")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		_ = http.ListenAndServe("127.0.0.1:19559", mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	server.Stop()
	return svc.Stop()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
