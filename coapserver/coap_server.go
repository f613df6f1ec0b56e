package coapserver

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/core"
)

// Valid statuses
const (
	StatusOperational = 0
	StatusTerminated  = 1
)

// Produces the response to a request. Only the code, options and payload of the
// returned message are used. The header is filled by the server
type Handler func(request *coapmsg.Message, from *net.UDPAddr) (*coapmsg.Message, error)

// Identifies an observer of a resource
type observerKey struct {
	addr  string
	token coapmsg.Token
}

type observer struct {
	addr     *net.UDPAddr
	token    coapmsg.Token
	resource string

	// Value of the Observe option of the last notification
	seq uint32

	// Message id of the last Confirmable notification not yet acknowledged
	pendingMID uint16
	pending    bool
}

// Implements a CoAP server socket.
// Requests are answered with piggybacked responses generated by the handler. GET requests
// with the Observe option register or deregister the sender as an observer of the resource,
// to be sent the notifications generated with Notify. Notifications are Confirmable. If the
// observer answers with a Reset, it is removed
type CoapServer struct {

	// Handler function for incoming requests
	handler Handler

	// The UDP socket
	socket net.PacketConn

	// Status. Initially 0 and 1 (StatusTerminated) if we are shutting down
	status int32

	nextMessageID atomic.Uint32

	// Protects observers and pending
	mutex sync.Mutex

	// Observers, indexed by resource
	observers map[string]map[observerKey]*observer

	// Observers with unacknowledged notifications, by message id
	pending map[uint16]*observer
}

// Creates a CoAP server listening in the specified address, in <ipaddress>:<port> format
func NewCoapServer(bindAddress string, handler Handler) (*CoapServer, error) {

	// Create the server socket
	socket, err := net.ListenPacket("udp", bindAddress)
	if err != nil {
		return nil, fmt.Errorf("could not create listen socket in %s: %w", bindAddress, err)
	}
	core.GetLogger().Infof("CoAP server listening in %s", socket.LocalAddr())

	coapServer := CoapServer{
		handler:   handler,
		socket:    socket,
		observers: make(map[string]map[observerKey]*observer),
		pending:   make(map[uint16]*observer),
	}
	coapServer.nextMessageID.Store(rand.Uint32())

	// Start receiving packets
	go coapServer.readLoop()

	return &coapServer, nil
}

// The address where the server is listening
func (cs *CoapServer) Addr() *net.UDPAddr {
	return cs.socket.LocalAddr().(*net.UDPAddr)
}

// Frees the server socket
func (cs *CoapServer) Close() {
	atomic.StoreInt32(&cs.status, StatusTerminated)

	// Will generate an error in the loop, and the readLoop will return
	cs.socket.Close()
}

// Number of observers of the resource
func (cs *CoapServer) ObserverCount(resource string) int {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	return len(cs.observers[resource])
}

// Sends the notification to all the observers of the resource. Only the code, options
// and payload of the message are used. Returns the number of observers notified
func (cs *CoapServer) Notify(resource string, notification *coapmsg.Message) int {

	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	sent := 0
	for _, obs := range cs.observers[resource] {
		msg := *notification
		msg.Options = append([]coapmsg.Option(nil), notification.Options...)
		msg.Type = coapmsg.Confirmable
		msg.MessageID = cs.newMessageID()
		msg.Token = obs.token
		obs.seq = (obs.seq + 1) & 0xFFFFFF
		msg.SetObserve(obs.seq)

		// Only the last notification is tracked
		if obs.pending {
			delete(cs.pending, obs.pendingMID)
		}
		obs.pendingMID = msg.MessageID
		obs.pending = true
		cs.pending[msg.MessageID] = obs

		if err := cs.send(&msg, obs.addr); err != nil {
			core.GetLogger().Errorf("could not send notification of %s to %s: %s", resource, obs.addr, err)
			continue
		}
		sent++
	}

	return sent
}

func (cs *CoapServer) readLoop() {

	// Single buffer where all incoming packets are read
	reqBuf := make([]byte, core.MAX_DATAGRAM_SIZE)

	for {
		packetSize, clientAddr, err := cs.socket.ReadFrom(reqBuf)
		if err != nil {
			// Check here if the error is due to the socket being closed
			if atomic.LoadInt32(&cs.status) == StatusTerminated {
				core.GetLogger().Infof("closed CoAP server socket %s", cs.socket.LocalAddr().String())
			} else {
				core.GetLogger().Errorf("CoAP server socket %s error: %s", cs.socket.LocalAddr().String(), err)
			}
			return
		}
		from := clientAddr.(*net.UDPAddr)

		message, err := coapmsg.NewMessageFromBytes(reqBuf[:packetSize])
		if err != nil {
			core.GetLogger().Warnf("error decoding message from %s: %s", from, err)
			continue
		}
		core.GetLogger().Debugf("<- CoAP server received %s", message)

		switch {
		case message.Type == coapmsg.Reset:
			cs.handleReset(message.MessageID)

		case message.Type == coapmsg.Acknowledgement && message.Code == coapmsg.Empty:
			cs.handleAck(message.MessageID)

		case message.IsRequest():
			go cs.handleRequest(message, from)

		default:
			core.GetLogger().Debugf("ignoring message from %s", from)
		}
	}
}

func (cs *CoapServer) handleRequest(request *coapmsg.Message, from *net.UDPAddr) {

	response, err := cs.handler(request, from)
	if err != nil {
		core.GetLogger().Errorf("error handling request from %s for %s: %s", from, request.Path(), err)
		response = &coapmsg.Message{Code: coapmsg.InternalServerError}
	}

	// Fill the header
	response.Token = request.Token
	if request.Type == coapmsg.Confirmable {
		response.Type = coapmsg.Acknowledgement
		response.MessageID = request.MessageID
	} else {
		response.Type = coapmsg.NonConfirmable
		response.MessageID = cs.newMessageID()
	}

	// Observation management, only for successful GET
	if observe, found := request.Observe(); found && request.Code == coapmsg.GET {
		key := observerKey{addr: from.String(), token: request.Token}
		resource := request.Path()

		cs.mutex.Lock()
		switch {
		case observe == 0 && response.Code.IsSuccess():
			obs := cs.addObserver(key, from, resource)
			obs.seq = (obs.seq + 1) & 0xFFFFFF
			response.SetObserve(obs.seq)
		case observe == 1:
			cs.removeObserver(key, resource)
		}
		cs.mutex.Unlock()
	}

	if err := cs.send(response, from); err != nil {
		core.GetLogger().Errorf("error sending response to %s: %s", from, err)
	}
}

// An observer rejected a notification
func (cs *CoapServer) handleReset(messageID uint16) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if obs, found := cs.pending[messageID]; found {
		core.GetLogger().Debugf("observer %s of %s sent reset", obs.addr, obs.resource)
		cs.removeObserver(observerKey{addr: obs.addr.String(), token: obs.token}, obs.resource)
	}
}

func (cs *CoapServer) handleAck(messageID uint16) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if obs, found := cs.pending[messageID]; found {
		delete(cs.pending, messageID)
		obs.pending = false
	}
}

// Must be called with the mutex held. Re-registering keeps the existing observer
func (cs *CoapServer) addObserver(key observerKey, addr *net.UDPAddr, resource string) *observer {
	byKey, found := cs.observers[resource]
	if !found {
		byKey = make(map[observerKey]*observer)
		cs.observers[resource] = byKey
	}
	if obs, found := byKey[key]; found {
		return obs
	}
	obs := observer{addr: addr, token: key.token, resource: resource}
	byKey[key] = &obs
	return &obs
}

// Must be called with the mutex held
func (cs *CoapServer) removeObserver(key observerKey, resource string) {
	byKey := cs.observers[resource]
	obs, found := byKey[key]
	if !found {
		return
	}
	if obs.pending {
		delete(cs.pending, obs.pendingMID)
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(cs.observers, resource)
	}
}

func (cs *CoapServer) send(msg *coapmsg.Message, addr *net.UDPAddr) error {
	data, err := msg.ToBytes()
	if err != nil {
		return err
	}
	if _, err := cs.socket.WriteTo(data, addr); err != nil {
		return err
	}
	core.GetLogger().Debugf("-> CoAP server sent %s", msg)
	return nil
}

func (cs *CoapServer) newMessageID() uint16 {
	return uint16(cs.nextMessageID.Add(1))
}
