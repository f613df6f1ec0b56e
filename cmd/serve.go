package cmd

import (
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/coapserver"
	"github.com/francistor/coapclient/core"
)

var (
	bindAddress string
	interval    time.Duration
)

// Handler for the test server.
// /time returns the current time, and is observable. /echo returns the payload
func serveHandler(request *coapmsg.Message, from *net.UDPAddr) (*coapmsg.Message, error) {
	switch request.Path() {
	case "/time":
		return timeNotification(), nil
	case "/echo":
		response := coapmsg.Message{Code: coapmsg.Content, Payload: request.Payload}
		if cf, found := request.ContentFormat(); found {
			response.SetContentFormat(cf)
		}
		return &response, nil
	default:
		return &coapmsg.Message{Code: coapmsg.NotFound}, nil
	}
}

func timeNotification() *coapmsg.Message {
	msg := coapmsg.Message{Code: coapmsg.Content, Payload: []byte(time.Now().Format(time.RFC3339))}
	msg.SetContentFormat(coapmsg.TextPlain)
	return &msg
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a CoAP server with /time and /echo resources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := coapserver.NewCoapServer(bindAddress, serveHandler)
		if err != nil {
			return err
		}
		defer server.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := server.Notify("/time", timeNotification()); n > 0 {
					core.GetLogger().Debugf("notified %d observers of /time", n)
				}
			}
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&bindAddress, "bind", "0.0.0.0:5683", "address to listen on")
	serveCmd.Flags().DurationVar(&interval, "interval", time.Second, "interval between notifications of /time")
	rootCmd.AddCommand(serveCmd)
}
