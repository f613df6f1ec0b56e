package coapclient

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/core"
)

// Lifecycle of the dispatch engine. Terminated is final
type EngineState int32

const (
	StateRunning EngineState = iota
	StateTerminating
	StateTerminated
)

func (s EngineState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// The dispatch engine.
// Owns the socket and the dispatch table. All the writes to the socket and all the
// accesses to the table are done from the eventLoop goroutine. The readLoop goroutine
// only reads datagrams from the socket and passes them to the eventLoop, which waits
// on the control channel and on the ingress channel and processes whichever is ready.
//
// A failure to transmit or to receive terminates the engine. When terminated, all the
// delivery handles are closed, and the doneChan is closed, so that any caller trying to
// send a command gets ErrChannelClosed instead of blocking.
type udpEngine struct {
	conn        net.PacketConn
	localAddr   string
	config      core.CoapClientConfig
	blockOnFull bool

	// Commands from the clients
	ctlChan chan command

	// Datagrams from the readLoop
	ingressChan chan Datagram

	// Reading error from the readLoop. Capacity 1
	readErrChan chan error

	// Closed when terminated
	doneChan chan struct{}

	// EngineState
	state atomic.Int32

	// Both written before doneChan is closed
	fatalErr     error
	closedReason error

	// Time of the last change of state
	stateSince time.Time

	// Only accessed from the eventLoop
	table dispatchTable

	// For logging of unmatched datagrams
	missLimiter *rate.Limiter
}

// Creates the engine on the socket and starts its goroutines. The configuration must be
// already normalized
func newUDPEngine(conn net.PacketConn, config core.CoapClientConfig) *udpEngine {

	e := udpEngine{
		conn:        conn,
		localAddr:   conn.LocalAddr().String(),
		config:      config,
		blockOnFull: config.DeliveryPolicy == core.DeliveryPolicyBlock,
		ctlChan:     make(chan command, config.ControlQueueSize),
		ingressChan: make(chan Datagram, config.IngressQueueSize),
		readErrChan: make(chan error, 1),
		doneChan:    make(chan struct{}),
		table:       newDispatchTable(config.DuplicateTokenPolicy),
		missLimiter: rate.NewLimiter(rate.Limit(config.UnmatchedLogRate), config.UnmatchedLogBurst),
	}
	e.state.Store(int32(StateRunning))
	e.stateSince = time.Now()

	e.tokensChanged()

	go e.eventLoop()
	go e.readLoop()

	core.GetLogger().Infof("coap dispatch engine running on %s", e.localAddr)

	return &e
}

// Binds the UDP socket. The hop limit is set if configured
func bindUDP(bindAddress string, hopLimit int) (*net.UDPConn, error) {

	laddr, err := net.ResolveUDPAddr("udp", bindAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, bindAddress, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, bindAddress, err)
	}

	if hopLimit > 0 {
		if err := setHopLimit(conn, hopLimit); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: setting hop limit: %w", ErrBind, bindAddress, err)
		}
	}

	return conn, nil
}

// Uses the IPv4 TTL or the IPv6 hop limit, depending on the family of the socket
func setHopLimit(conn *net.UDPConn, hopLimit int) error {
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && local.IP.To4() != nil {
		return ipv4.NewPacketConn(conn).SetTTL(hopLimit)
	}
	return ipv6.NewPacketConn(conn).SetHopLimit(hopLimit)
}

// Sends a command to the engine. Fails with ErrChannelClosed if the engine is terminated.
// Blocks if the control channel is full
func (e *udpEngine) submit(cmd command, cancel <-chan struct{}) error {

	// Once terminated, always fail, even if there is room in the channel
	select {
	case <-e.doneChan:
		return e.closedReason
	default:
	}

	select {
	case e.ctlChan <- cmd:
		return nil
	case <-e.doneChan:
		return e.closedReason
	case <-cancel:
		return errCanceled
	}
}

// Sends the command only if it can be done without blocking
func (e *udpEngine) trySubmit(cmd command) bool {
	select {
	case <-e.doneChan:
		return false
	default:
	}

	select {
	case e.ctlChan <- cmd:
		return true
	default:
		return false
	}
}

// Returned by submit if the cancel channel is closed. Replaced by the context error by the caller
var errCanceled = errors.New("canceled")

// Returned when processing an exitCmd. Terminates the engine without a failure
var errExit = errors.New("exit")

func (e *udpEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// Loop for reading from the socket
func (e *udpEngine) readLoop() {

	buf := make([]byte, e.config.MaxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			// Errors after the engine decided to terminate are the consequence of closing the socket
			if e.State() == StateRunning {
				select {
				case e.readErrChan <- err:
				default:
				}
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from, _ := addr.(*net.UDPAddr)

		select {
		case e.ingressChan <- Datagram{Payload: data, From: from}:
		case <-e.doneChan:
			return
		}
	}
}

// Loop for processing commands and inbound datagrams
func (e *udpEngine) eventLoop() {

	defer e.terminate()

	for {
		var err error

		select {
		case cmd := <-e.ctlChan:
			err = e.execute(cmd)

		case dg := <-e.ingressChan:
			err = e.dispatch(dg)

		case readErr := <-e.readErrChan:
			err = fmt.Errorf("%w: %w", ErrReceive, readErr)
		}

		if err != nil {
			if err != errExit {
				e.fatalErr = err
			}
			return
		}
	}
}

// Processes a command from the control channel. Returns errExit if the engine must stop,
// or the error that makes it fail
func (e *udpEngine) execute(cmd command) error {

	switch v := cmd.(type) {

	case registerCmd:
		e.table.register(v.token, v.handle)
		e.tokensChanged()

	case deregisterCmd:
		e.table.deregister(v.token, v.handle)
		e.tokensChanged()

	case sendCmd:
		return e.transmit(v.data, v.addr)

	case exitCmd:
		core.GetLogger().Infof("coap dispatch engine %s exiting", e.localAddr)
		return errExit
	}

	return nil
}

// Routes the inbound datagram to the handle registered for its token.
// Confirmable messages are acknowledged if delivered, and rejected if nobody is interested
// in them. If discarded because the handle is full, they are not acknowledged, so that the
// peer retransmits. Returns an error only if the engine cannot continue
func (e *udpEngine) dispatch(dg Datagram) error {

	header, _, err := coapmsg.ParseHeader(dg.Payload)
	if err != nil {
		e.miss(dg, fmt.Sprintf("undecodable: %s", err))
		return nil
	}

	// Empty messages are not routed. A Confirmable one is a ping, answered with Reset
	if header.Code == coapmsg.Empty {
		if header.Type == coapmsg.Confirmable {
			return e.transmitMessage(coapmsg.NewReset(header.MessageID), dg.From)
		}
		core.GetLogger().Debugf("ignoring empty %s from %s", header.Type, dg.From)
		return nil
	}

	handle, found := e.table.lookup(header.Token)
	if !found {
		e.miss(dg, fmt.Sprintf("token %s", header.Token))
		if header.Type == coapmsg.Confirmable && header.Token != 0 {
			return e.transmitMessage(coapmsg.NewReset(header.MessageID), dg.From)
		}
		return nil
	}

	outcome, err := e.deliver(header.Token, handle, dg)
	if err != nil {
		return err
	}

	if header.Type == coapmsg.Confirmable {
		switch outcome {
		case delivered:
			return e.transmitMessage(coapmsg.NewEmptyAck(header.MessageID), dg.From)
		case abandoned:
			return e.transmitMessage(coapmsg.NewReset(header.MessageID), dg.From)
		}
	}
	return nil
}

type deliveryOutcome int

const (
	delivered deliveryOutcome = iota

	// The handle was full
	dropped

	// The owner of the handle stopped reading or removed the registration
	abandoned
)

// Passes the datagram to the handle. With the block policy, waits for room in the handle,
// but keeps processing commands in the meantime, so that the registration can be removed
// or the engine stopped. The error is not nil if the engine must stop
func (e *udpEngine) deliver(token coapmsg.Token, handle *deliveryHandle, dg Datagram) (deliveryOutcome, error) {

	if handle.oneShot {
		// Capacity 1 and never used before, so does not block
		handle.ch <- dg
		e.table.remove(token)
		handle.close(ErrDeregistered)
		e.tokensChanged()
		return delivered, nil
	}

	if handle.isAbandoned() {
		e.miss(dg, fmt.Sprintf("token %s being deregistered", token))
		return abandoned, nil
	}

	select {
	case handle.ch <- dg:
		return delivered, nil
	default:
	}

	if !e.blockOnFull {
		core.RecordCoapClientDeliveryDrop(e.localAddr)
		core.GetLogger().Warnf("delivery queue full for token %s. Datagram from %s discarded", token, dg.From)
		return dropped, nil
	}

	for {
		select {
		case handle.ch <- dg:
			return delivered, nil

		case <-handle.abandoned:
			e.miss(dg, fmt.Sprintf("token %s being deregistered", token))
			return abandoned, nil

		case cmd := <-e.ctlChan:
			if err := e.execute(cmd); err != nil {
				return abandoned, err
			}
			// The handle is closed if no longer registered, and must not be written
			if current, found := e.table.lookup(token); !found || current != handle {
				e.miss(dg, fmt.Sprintf("token %s deregistered", token))
				return abandoned, nil
			}

		case readErr := <-e.readErrChan:
			return abandoned, fmt.Errorf("%w: %w", ErrReceive, readErr)
		}
	}
}

// Unmatched traffic is always counted, but logged only within the configured rate
func (e *udpEngine) miss(dg Datagram, reason string) {
	core.RecordCoapClientMiss(e.localAddr)
	if e.missLimiter.Allow() {
		core.GetLogger().Debugf("unmatched datagram from %s: %s", dg.From, reason)
	}
}

func (e *udpEngine) transmitMessage(m *coapmsg.Message, addr *net.UDPAddr) error {
	data, err := m.ToBytes()
	if err != nil {
		// Messages built here are always serializable
		panic(err)
	}
	return e.transmit(data, addr)
}

func (e *udpEngine) transmit(data []byte, addr *net.UDPAddr) error {
	if _, err := e.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("%w: to %s: %w", ErrTransmit, addr, err)
	}
	return nil
}

// Closes the socket and all the handles, and signals termination
func (e *udpEngine) terminate() {

	e.state.Store(int32(StateTerminating))

	e.conn.Close()

	if e.fatalErr != nil {
		e.closedReason = errors.Join(ErrChannelClosed, e.fatalErr)
		reason := "receive"
		if errors.Is(e.fatalErr, ErrTransmit) {
			reason = "transmit"
		}
		core.RecordCoapClientEngineFailure(e.localAddr, reason)
		core.GetLogger().Errorf("coap dispatch engine %s terminated: %s", e.localAddr, e.fatalErr)
	} else {
		e.closedReason = ErrChannelClosed
	}

	e.table.closeAll(e.closedReason)
	core.UpdateCoapClientRegisteredTokens(e.localAddr, 0)

	e.state.Store(int32(StateTerminated))
	e.stateSince = time.Now()
	e.pushStatus()

	close(e.doneChan)
}

// Publishes the number of registrations in the gauge and in the engines table
func (e *udpEngine) tokensChanged() {
	core.UpdateCoapClientRegisteredTokens(e.localAddr, e.table.len())
	e.pushStatus()
}

func (e *udpEngine) pushStatus() {
	entry := core.EngineTableEntry{
		LocalAddress:     e.localAddr,
		State:            e.State().String(),
		RegisteredTokens: e.table.len(),
		LastStatusChange: e.stateSince,
	}
	if e.fatalErr != nil {
		entry.LastError = e.fatalErr.Error()
	}
	core.PushEngineStatus(entry)
}

// For testing purposes only. Simulates a socket failure
func (e *udpEngine) closeSocket() {
	e.conn.Close()
}
