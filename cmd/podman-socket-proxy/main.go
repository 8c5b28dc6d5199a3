// Command podman-socket-proxy runs the filtering reverse proxy described in
// the root package: it exposes a protected Unix or TCP endpoint, filters
// inbound HTTP/1.1 requests against a TOML policy, and forwards allowed
// bytes to the Podman/Docker engine socket verbatim.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	proxy "github.com/InkedCat/podman-socket-proxy"
)

const (
	defaultPodmanPath = "/run/podman.sock"
	defaultConfigPath = "./config.toml"
	defaultSocketPath = "/var/run/safe-podman.sock"
	defaultTCPAddr    = "127.0.0.1"
	defaultTCPPort    = 8787
)

type globalFlags struct {
	podmanPath  string
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:   "podman-socket-proxy",
		Short: "Filtering reverse proxy for the Podman/Docker engine socket",
		Long: `podman-socket-proxy exposes a protected endpoint that accepts the
Podman/Docker HTTP API wire protocol, checks each request's method and path
against a TOML policy, and either forwards it verbatim to the engine socket
or refuses it with a canned response.

Run one of:

	podman-socket-proxy unix --socket-path /var/run/safe-podman.sock
	podman-socket-proxy inet --ip 127.0.0.1 --port 8787
`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&gf.podmanPath, "podman-path", defaultPodmanPath, "Full path to the Podman/Docker engine socket")
	root.PersistentFlags().StringVar(&gf.configPath, "config-path", defaultConfigPath, "Path to the TOML policy configuration file")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&gf.logFormat, "log-format", "console", "Log format: console or json")
	root.PersistentFlags().StringVar(&gf.metricsAddr, "metrics-addr", "", "Loopback address to serve Prometheus /metrics on (disabled if empty)")

	root.AddCommand(newUnixCommand(gf))
	root.AddCommand(newInetCommand(gf))

	return root
}

func newUnixCommand(gf *globalFlags) *cobra.Command {
	var socketPath string
	var replace bool

	cmd := &cobra.Command{
		Use:   "unix",
		Short: "Start the proxy listening on a Unix domain socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithOptions(cmd, proxy.Options{
				PodmanPath:     gf.podmanPath,
				ConfigPath:     gf.configPath,
				UnixSocketPath: socketPath,
				ReplaceSocket:  replace,
				MetricsAddr:    gf.metricsAddr,
			}, gf)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket-path", defaultSocketPath, "Full path of the protected socket")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the socket file if it already exists")

	return cmd
}

func newInetCommand(gf *globalFlags) *cobra.Command {
	var ip string
	var port uint16

	cmd := &cobra.Command{
		Use:   "inet",
		Short: "Start the proxy listening on a TCP socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port < 1 || port >= 65535 {
				return fmt.Errorf("--port must be in 1..65535, got %d", port)
			}
			return runWithOptions(cmd, proxy.Options{
				PodmanPath:  gf.podmanPath,
				ConfigPath:  gf.configPath,
				UseTCP:      true,
				TCPAddr:     ip,
				TCPPort:     port,
				MetricsAddr: gf.metricsAddr,
			}, gf)
		},
	}

	cmd.Flags().StringVar(&ip, "ip", defaultTCPAddr, "IP address the protected socket will listen on")
	cmd.Flags().Uint16Var(&port, "port", defaultTCPPort, "Port the protected socket will listen on (1..65535)")

	return cmd
}

func runWithOptions(cmd *cobra.Command, opts proxy.Options, gf *globalFlags) error {
	logger, err := proxy.NewLogger(gf.logLevel, gf.logFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	opts.Logger = logger

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Match GOMAXPROCS to the container's CPU quota; mirror that by matching
	// GOMEMLIMIT to its memory quota (or total system memory, lacking a
	// cgroup), so the proxy doesn't get OOM-killed running under a limit the
	// Go runtime doesn't otherwise know about.
	_, err = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		logger.Warn("failed to set GOMEMLIMIT", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return proxy.Run(ctx, opts)
}

func init() {
	cobra.EnableCommandSorting = false
}
