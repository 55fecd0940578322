package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vergedb/verge/pkg/client"
	"github.com/vergedb/verge/pkg/config"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/meta"
	"github.com/vergedb/verge/pkg/metrics"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

var cfg config.StoragedConfig
var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "verge-storaged",
	Short:   "Verge storage daemon",
	Long:    `verge-storaged serves raft-replicated graph partitions on top of a per-space LSM engine.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&cfg.Host, "host", "", "advertised host")
	rootCmd.Flags().IntVar(&cfg.Port, "port", 0, "rpc port")
	rootCmd.Flags().StringVar(&cfg.MetaAddr, "meta", "127.0.0.1:45501", "meta rpc address")
	rootCmd.Flags().StringVar(&cfg.DataRoot, "data-root", "", "data root directory")
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
		logDir = cfg.DataRoot
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	monitor, err := log.NewMonitor(log.DefaultMonitorConfig(logDir))
	if err != nil {
		return err
	}
	monitor.Start()
	defer monitor.Stop()

	local := types.HostAddr{Host: cfg.Host, Port: cfg.Port}

	metaClient, err := client.NewMetaClient(cfg.MetaAddr, local, meta.RoleStorage)
	if err != nil {
		return fmt.Errorf("connect to meta: %w", err)
	}
	defer metaClient.Stop()

	raftTr := client.NewRPCRaftTransport()
	defer raftTr.Close()
	raftSvc := raftex.NewService(local)
	store := kv.NewStore(kv.StoreOptions{
		Local:             local,
		DataRoot:          cfg.DataRoot,
		ElectionTimeout:   cfg.ElectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WalSync:           cfg.WalSync,
	}, raftSvc, raftTr)
	defer store.Stop()
	metrics.RegisterComponent("kvstore", true, "")

	reg := schema.NewRegistry()
	idx := index.NewManager()
	svc := storaged.NewService(store, reg, idx)

	server := storaged.NewServer(svc, raftSvc)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := server.Listen(addr); err != nil {
		return err
	}
	defer server.Stop()
	metrics.RegisterComponent("rpc", true, "")
	metrics.RegisterComponent("raft", true, "")

	// first contact: learn the cluster id, then keep reporting
	hbCtx, hbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := metaClient.HeartbeatOnce(hbCtx, nil); err != nil {
		hbCancel()
		return fmt.Errorf("first heartbeat: %w", err)
	}
	hbCancel()
	metaClient.StartHeartbeat(nil)

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	// serve the partitions meta assigned to this host, and refresh
	// schemas and indexes as they evolve
	stopSync := make(chan struct{})
	go syncLoop(metaClient, store, svc, local, stopSync)
	defer close(stopSync)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		_ = http.ListenAndServe(cfg.MetricsAddr, mux)
	}()

	log.Logger.Info().Str("addr", addr).Msg("Storage daemon up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down")
	return nil
}

// syncLoop pulls assignments and schemas from meta on an interval.
func syncLoop(mc *client.MetaClient, store *kv.Store, svc *storaged.Service,
	local types.HostAddr, stopCh <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		syncOnce(mc, store, svc, local)
		select {
		case <-ticker.C:
		case <-stopCh:
			return
		}
	}
}

func syncOnce(mc *client.MetaClient, store *kv.Store, svc *storaged.Service, local types.HostAddr) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spaces, err := mc.ListSpaces(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Meta sync failed")
		return
	}
	for _, sp := range spaces {
		svc.RegisterSpace(sp.ID, sp.PartitionNum)
		parts, err := mc.ListParts(ctx, sp.ID)
		if err != nil {
			continue
		}
		for _, alloc := range parts {
			mine := false
			for _, h := range alloc.Hosts {
				if h == local {
					mine = true
					break
				}
			}
			if !mine {
				continue
			}
			if err := store.AddSpace(sp.ID); err != nil {
				log.Logger.Error().Err(err).Uint32("space", sp.ID).Msg("Open space failed")
				continue
			}
			if err := store.AddPart(sp.ID, alloc.Part, alloc.Hosts, false); err != nil {
				log.Logger.Error().Err(err).Uint32("part", alloc.Part).Msg("Add part failed")
			}
		}

		syncSchemas(ctx, mc, svc, sp.ID)
	}
}

func syncSchemas(ctx context.Context, mc *client.MetaClient, svc *storaged.Service, space types.GraphSpaceID) {
	tags, err := mc.ListTags(ctx, space)
	if err == nil {
		for _, t := range tags {
			for _, ver := range t.Versions {
				sc, err := meta.BuildSchema(ver)
				if err != nil {
					continue
				}
				_ = svc.Registry().RegisterTag(space, t.Name, t.ID, sc)
			}
		}
	}
	edges, err := mc.ListEdges(ctx, space)
	if err == nil {
		for _, e := range edges {
			for _, ver := range e.Versions {
				sc, err := meta.BuildSchema(ver)
				if err != nil {
					continue
				}
				_ = svc.Registry().RegisterEdge(space, e.Name, e.Type, sc)
			}
		}
	}
	indexes, err := mc.ListIndexes(ctx, space)
	if err == nil {
		for _, d := range indexes {
			_ = svc.Indexes().Register(&index.Index{
				ID: d.ID, Space: d.Space, IsEdge: d.IsEdge,
				TagID: d.TagID, Edge: d.Edge, Columns: d.Columns,
			})
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
