// Command rp-agent boots one pilot agent: it reads a session manifest
// and a platform configuration file, builds the resource, scheduling,
// staging, executor, update/control and (optionally) RAPTOR and bridge
// components, and runs them until a control shutdown or signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/radical-cybertools/rp-agent/pkg/agent"
	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/metrics"
	"github.com/radical-cybertools/rp-agent/pkg/resource"
	"github.com/radical-cybertools/rp-agent/pkg/sandbox"
	"github.com/radical-cybertools/rp-agent/pkg/transport"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeOf(err))
	}
}

// exitCodeOf unwraps err looking for an *agent.Error to recover its
// category; an error with no such category (flag parsing, I/O before
// the agent was even built) falls back to 1.
func exitCodeOf(err error) int {
	for err != nil {
		if e, ok := err.(*agent.Error); ok {
			return e.ExitCode()
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 1
		}
		err = unwrapper.Unwrap()
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:     "rp-agent",
	Short:   "RADICAL-Pilot agent: the pilot-job pipeline running inside an allocation",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rp-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	startCmd.Flags().String("session", "", "path to the session manifest (YAML)")
	startCmd.Flags().String("platforms", "", "path to the platform configuration file (JSON)")
	startCmd.Flags().String("hosts", "", "comma-separated host list, overrides --nodefile/--nodelist")
	startCmd.Flags().String("nodefile", "", "PBS_NODEFILE-style allocation file")
	startCmd.Flags().String("nodelist", "", "SLURM_NODELIST-style compressed host list")
	startCmd.Flags().String("bridge-addr", "", "listen address for the external bridge (empty disables it)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "listen address for the /metrics endpoint")
	startCmd.Flags().String("transport-addr", "127.0.0.1:0", "local bind address for the durable transport log")
	startCmd.Flags().String("transport-dir", "", "data directory for the durable transport log (defaults under the pilot sandbox)")
	_ = startCmd.MarkFlagRequired("session")
	_ = startCmd.MarkFlagRequired("platforms")

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent pipeline for one pilot allocation",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	sessionPath, _ := cmd.Flags().GetString("session")
	platformsPath, _ := cmd.Flags().GetString("platforms")
	hosts, _ := cmd.Flags().GetString("hosts")
	nodefile, _ := cmd.Flags().GetString("nodefile")
	nodelist, _ := cmd.Flags().GetString("nodelist")
	bridgeAddr, _ := cmd.Flags().GetString("bridge-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	transportAddr, _ := cmd.Flags().GetString("transport-addr")
	transportDir, _ := cmd.Flags().GetString("transport-dir")

	session, err := config.LoadSession(sessionPath)
	if err != nil {
		return &agent.Error{Category: agent.ExitConfig, Err: err}
	}

	platformFile, err := config.LoadPlatformFile(platformsPath)
	if err != nil {
		return &agent.Error{Category: agent.ExitConfig, Err: err}
	}
	platform, err := platformFile.Lookup(session.Platform)
	if err != nil {
		return &agent.Error{Category: agent.ExitConfig, Err: err}
	}

	manifest, err := loadManifest(hosts, nodefile, nodelist)
	if err != nil {
		return &agent.Error{Category: agent.ExitConfig, Err: err}
	}

	resolver, err := sandboxResolver(session)
	if err != nil {
		return &agent.Error{Category: agent.ExitConfig, Err: err}
	}

	if transportDir == "" {
		transportDir = filepath.Join(session.Sandbox, "transport")
	}

	cfg := agent.Config{
		PilotID:       session.PilotID,
		PlatformName:  session.Platform,
		Platform:      platform,
		Manifest:      manifest,
		Sandbox:       resolver,
		RaptorWorkers: session.RaptorWorkers,
		BridgeAddr:    bridgeAddr,
		Transport: transport.Config{
			NodeID:   session.PilotID,
			BindAddr: transportAddr,
			DataDir:  transportDir,
		},
		RuntimeBudget: time.Duration(session.RuntimeLimit) * time.Minute,
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	control := a.ControlSubscribe()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Logger.Info().Msg("signal received, shutting down")
			return nil
		case ctrlCmd, ok := <-control:
			if !ok {
				return nil
			}
			if ctrlCmd.Op != types.ControlShutdown {
				continue
			}
			log.Logger.Info().Str("op", string(ctrlCmd.Op)).Msg("control shutdown received")
			return nil
		}
	}
}

func loadManifest(hosts, nodefile, nodelist string) (resource.Manifest, error) {
	switch {
	case hosts != "":
		var m resource.Manifest
		for _, h := range strings.Split(hosts, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				m = append(m, h)
			}
		}
		return m, nil
	case nodelist != "":
		return resource.ParseSLURMNodelist(nodelist)
	case nodefile != "":
		f, err := os.Open(nodefile)
		if err != nil {
			return nil, fmt.Errorf("open nodefile: %w", err)
		}
		defer f.Close()
		return resource.ParseNodefile(f)
	default:
		return resource.Manifest{"localhost"}, nil
	}
}

func sandboxResolver(session config.Session) (*sandbox.Resolver, error) {
	if session.Sandbox != "" {
		return sandbox.NewResolver(session.Sandbox, session.Sandbox, session.Sandbox), nil
	}
	return sandbox.NewResolverFromEnv()
}
