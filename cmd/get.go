package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/francistor/coapclient/coapclient"
	"github.com/francistor/coapclient/coapmsg"
)

var (
	method      string
	payload     string
	nonConfirm  bool
	contentType uint16
)

var methods = map[string]coapmsg.Code{
	"get":    coapmsg.GET,
	"post":   coapmsg.POST,
	"put":    coapmsg.PUT,
	"delete": coapmsg.DELETE,
}

var getCmd = &cobra.Command{
	Use:   "get <endpoint> <path>",
	Short: "Send a request and print the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, found := methods[strings.ToLower(method)]
		if !found {
			return fmt.Errorf("unknown method %s", method)
		}

		peer, err := resolvePeer(args[0])
		if err != nil {
			return err
		}

		client, err := coapclient.NewUDPFromConfig(ci)
		if err != nil {
			return err
		}
		defer client.Close()

		msgType := coapmsg.Confirmable
		if nonConfirm {
			msgType = coapmsg.NonConfirmable
		}
		request := coapmsg.NewRequest(msgType, code, args[1])
		if payload != "" {
			request.Payload = []byte(payload)
			request.SetContentFormat(coapmsg.MediaType(contentType))
		}

		response, err := client.Request(context.Background(), request, peer, requestOptions(client))
		if err != nil {
			return err
		}

		printMessage(cmd.OutOrStdout(), response)
		return nil
	},
}

// Writes the code and the payload. CBOR payloads are decoded
func printMessage(w io.Writer, msg *coapmsg.Message) {
	if cf, found := msg.ContentFormat(); found && cf == coapmsg.AppCBOR {
		var v any
		if err := msg.UnmarshalCBORPayload(&v); err == nil {
			fmt.Fprintf(w, "%s %v\n", msg.Code, v)
			return
		}
	}
	fmt.Fprintf(w, "%s %s\n", msg.Code, msg.Payload)
}

func init() {
	getCmd.Flags().StringVarP(&method, "method", "X", "get", "request method: get, post, put or delete")
	getCmd.Flags().StringVarP(&payload, "payload", "d", "", "request payload")
	getCmd.Flags().Uint16Var(&contentType, "content-format", uint16(coapmsg.TextPlain), "content format of the payload")
	getCmd.Flags().BoolVar(&nonConfirm, "non", false, "send as non confirmable")
	rootCmd.AddCommand(getCmd)
}
