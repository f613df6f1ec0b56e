package coapclient

import (
	"net"

	"github.com/francistor/coapclient/coapmsg"
)

// Commands sent to the dispatch engine through the control channel. This is
// the only way for callers to interact with the engine

type command interface {
	isCommand()
}

// Routes the datagrams with the token to the handle
type registerCmd struct {
	token  coapmsg.Token
	handle *deliveryHandle
}

// Stops routing datagrams with the token. If handle is not nil, the registration is
// removed only if it still belongs to that handle
type deregisterCmd struct {
	token  coapmsg.Token
	handle *deliveryHandle
}

// Transmits a datagram
type sendCmd struct {
	data []byte
	addr *net.UDPAddr
}

// Terminates the engine
type exitCmd struct {
}

func (registerCmd) isCommand()   {}
func (deregisterCmd) isCommand() {}
func (sendCmd) isCommand()       {}
func (exitCmd) isCommand()       {}
