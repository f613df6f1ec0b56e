package cmd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/francistor/coapclient/coapclient"
	"github.com/francistor/coapclient/core"
)

var (
	// Global flags
	bootFile     string
	instanceName string
	timeout      time.Duration
	retries      int

	// Set during PersistentPreRun. Initialized only once per process
	ci *core.ClientConfigurationManager
)

// rootCmd is the base command for coapc.
var rootCmd = &cobra.Command{
	Use:   "coapc",
	Short: "CoAP client over UDP",
	Long: `coapc sends CoAP requests and observes resources using the dispatch engine
of the coapclient package. It can also run a small CoAP server for testing.

Peers are specified as <ipaddress>:<port> or by the name of an alias in the
endpoints.yaml configuration object.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if ci == nil {
			ci = core.InitClientConfigInstance(bootFile, instanceName, true)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&bootFile, "boot", "resource://searchRules.json", "file or http URL with configuration search rules")
	rootCmd.PersistentFlags().StringVar(&instanceName, "instance", "", "name of the configuration instance")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "time to wait for each answer (default from configuration)")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", -1, "number of retransmissions (default from configuration)")
}

// Resolves the endpoint, which may be an alias
func resolvePeer(endpoint string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", ci.EndpointsConf().Resolve(endpoint))
	if err != nil {
		return nil, fmt.Errorf("bad endpoint %s: %w", endpoint, err)
	}
	return addr, nil
}

// Request options from the configuration, overriden by the flags
func requestOptions(client *coapclient.Client) coapclient.RequestOptions {
	opts := client.DefaultRequestOptions()
	if timeout > 0 {
		opts.Timeout = timeout
	}
	switch {
	case retries == 0:
		opts.Retries = coapclient.NoRetries
	case retries > 0:
		opts.Retries = retries
	}
	return opts
}
