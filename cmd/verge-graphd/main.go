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
	"github.com/vergedb/verge/pkg/graphd"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/meta"
	"github.com/vergedb/verge/pkg/metrics"
	"github.com/vergedb/verge/pkg/parser"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

var cfg config.GraphdConfig
var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "verge-graphd",
	Short:   "Verge graph query daemon",
	Long:    `verge-graphd serves client sessions and runs the query pipeline against the storage tier.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&cfg.Host, "host", "", "advertised host")
	rootCmd.Flags().IntVar(&cfg.Port, "port", 0, "client rpc port")
	rootCmd.Flags().StringVar(&cfg.MetaAddr, "meta", "127.0.0.1:45501", "meta rpc address")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
}

// metaLocator resolves topology through the meta client. Every lookup is
// a fresh meta call; nothing is cached here.
type metaLocator struct {
	mc *client.MetaClient
}

func (l *metaLocator) PartitionCount(space types.GraphSpaceID) (uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	spaces, err := l.mc.ListSpaces(ctx)
	if err != nil {
		return 0, err
	}
	for _, sp := range spaces {
		if sp.ID == space {
			return sp.PartitionNum, nil
		}
	}
	return 0, status.New(status.ErrNotFound, "space %d unknown", space)
}

func (l *metaLocator) PartHosts(space types.GraphSpaceID, part types.PartitionID) ([]types.HostAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	parts, err := l.mc.ListParts(ctx, space)
	if err != nil {
		return nil, err
	}
	for _, alloc := range parts {
		if alloc.Part == part {
			return alloc.Hosts, nil
		}
	}
	return nil, status.New(status.ErrPartNotFound, "part %d/%d unknown", space, part)
}

func run(cmd *cobra.Command) error {
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}
	cfg.ApplyDefaults()

	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

	local := types.HostAddr{Host: cfg.Host, Port: cfg.Port}
	metaClient, err := client.NewMetaClient(cfg.MetaAddr, local, meta.RoleGraph)
	if err != nil {
		return fmt.Errorf("connect to meta: %w", err)
	}
	defer metaClient.Stop()
	metaClient.StartHeartbeat(nil)

	storageTr := client.NewRPCStorageTransport()
	defer storageTr.Close()
	sc, err := client.NewStorageClient(storageTr, &metaLocator{mc: metaClient})
	if err != nil {
		return err
	}

	reg := schema.NewRegistry()
	engine := graphd.NewEngine(sc, reg, graphd.SpaceResolverFunc(
		func(name string) (types.GraphSpaceID, uint32, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			desc, err := metaClient.GetSpaceByName(ctx, name)
			if err != nil {
				return 0, 0, err
			}
			// refresh the space's schemas on every switch
			refreshSchemas(ctx, metaClient, reg, desc.ID)
			return desc.ID, desc.PartitionNum, nil
		}))
	engine.MaxThreadsPerQuery = cfg.MaxThreadsPerQuery

	sessions := graphd.NewSessionManager(cfg.SessionIdle)
	defer sessions.Stop()

	server := graphd.NewServer(engine, sessions, parser.New(), nil)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := server.Listen(addr); err != nil {
		return err
	}
	defer server.Stop()
	metrics.RegisterComponent("rpc", true, "")
	metrics.RegisterComponent("raft", true, "stateless tier")
	metrics.RegisterComponent("kvstore", true, "stateless tier")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		_ = http.ListenAndServe(cfg.MetricsAddr, mux)
	}()

	log.Logger.Info().Str("addr", addr).Msg("Graph daemon up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down")
	return nil
}

func refreshSchemas(ctx context.Context, mc *client.MetaClient, reg *schema.Registry, space types.GraphSpaceID) {
	tags, err := mc.ListTags(ctx, space)
	if err == nil {
		for _, t := range tags {
			for _, ver := range t.Versions {
				sc, err := meta.BuildSchema(ver)
				if err != nil {
					continue
				}
				_ = reg.RegisterTag(space, t.Name, t.ID, sc)
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
				_ = reg.RegisterEdge(space, e.Name, e.Type, sc)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
