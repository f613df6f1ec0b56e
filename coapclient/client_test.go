package coapclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/coapserver"
	"github.com/francistor/coapclient/core"
)

// Creates a client on the loopback interface
func newLoopbackClient(t *testing.T) *Client {
	c, err := NewUDP("127.0.0.1:0", testConfig())
	if err != nil {
		t.Fatalf("could not create client: %s", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Plain UDP socket to play the role of the peer
func newPeer(t *testing.T) *net.UDPConn {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("could not create peer socket: %s", err)
	}
	t.Cleanup(func() { peer.Close() })
	return peer
}

func peerRead(t *testing.T, peer *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, core.MAX_DATAGRAM_SIZE)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	n, from, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read error: %s", err)
	}
	return buf[:n], from
}

func peerAddr(peer *net.UDPConn) *net.UDPAddr {
	return peer.LocalAddr().(*net.UDPAddr)
}

// Server for /greeting that answers with the path, and for /temp, observable
func newTestServer(t *testing.T) *coapserver.CoapServer {
	server, err := coapserver.NewCoapServer("127.0.0.1:0", func(request *coapmsg.Message, from *net.UDPAddr) (*coapmsg.Message, error) {
		switch request.Path() {
		case "/fail":
			return nil, errors.New("failed on purpose")
		case "/temp":
			return &coapmsg.Message{Code: coapmsg.Content, Payload: []byte("20")}, nil
		default:
			return &coapmsg.Message{Code: coapmsg.Content, Payload: []byte("hello " + request.Path())}, nil
		}
	})
	if err != nil {
		t.Fatalf("could not create server: %s", err)
	}
	t.Cleanup(server.Close)
	return server
}

func TestLoopbackDelivery(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)
	ctx := context.Background()

	h, err := c.Register(ctx, 0xAAAA, false)
	if err != nil {
		t.Fatalf("register error: %s", err)
	}

	// Once the hello is received, the registration has been processed
	if err := c.Send(ctx, []byte("hello"), peerAddr(peer)); err != nil {
		t.Fatalf("send error: %s", err)
	}
	hello, clientAddr := peerRead(t, peer)
	if string(hello) != "hello" {
		t.Fatalf("bad hello %s", hello)
	}

	data := nonMessage(0xAAAA, "for aaaa")
	if _, err := peer.WriteToUDP(data, clientAddr); err != nil {
		t.Fatalf("peer write error: %s", err)
	}

	dg := mustReceive(t, h)
	if !bytes.Equal(dg.Payload, data) {
		t.Errorf("bad payload %x", dg.Payload)
	}
	if dg.From.String() != peerAddr(peer).String() {
		t.Errorf("bad sender %s, expected %s", dg.From, peerAddr(peer))
	}
}

func TestLoopbackDeregistered(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)
	ctx := context.Background()

	h, _ := c.Register(ctx, 0xBEEF, false)
	if err := c.Deregister(ctx, 0xBEEF); err != nil {
		t.Fatalf("deregister error: %s", err)
	}

	c.Send(ctx, []byte("hello"), peerAddr(peer))
	_, clientAddr := peerRead(t, peer)

	misses := localMisses(c.LocalAddr().String())
	peer.WriteToUDP(nonMessage(0xBEEF, "for beef"), clientAddr)

	// Dropped as unmatched
	deadline := time.Now().Add(time.Second)
	for localMisses(c.LocalAddr().String()) != misses+1 {
		if time.Now().After(deadline) {
			t.Fatalf("datagram not counted as unmatched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := receiveWithin(h, time.Second); !errors.Is(err, ErrDeregistered) {
		t.Errorf("expected deregistered, got %v", err)
	}

	// Still alive
	c.Send(ctx, []byte("hello again"), peerAddr(peer))
	if hello, _ := peerRead(t, peer); string(hello) != "hello again" {
		t.Errorf("bad hello %s", hello)
	}
	if c.State() != StateRunning {
		t.Errorf("engine not running")
	}
}

func TestLoopbackSocketFailure(t *testing.T) {

	c := newLoopbackClient(t)
	h, _ := c.Register(context.Background(), 0x01, false)

	c.engine.closeSocket()
	waitDone(t, c)

	if !errors.Is(c.Err(), ErrReceive) && !errors.Is(c.Err(), ErrTransmit) {
		t.Errorf("unexpected termination reason %v", c.Err())
	}
	if _, err := receiveWithin(h, time.Second); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected channel closed, got %v", err)
	}
	if err := c.Send(context.Background(), []byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("send after failure: %v", err)
	}
}

func TestBind(t *testing.T) {

	peer := newPeer(t)

	// Port in use
	if _, err := NewUDP(peerAddr(peer).String(), testConfig()); !errors.Is(err, ErrBind) {
		t.Errorf("expected bind failure, got %v", err)
	}

	// Unparseable
	if _, err := NewUDP("127.0.0.1:99999", testConfig()); !errors.Is(err, ErrBind) {
		t.Errorf("expected bind failure, got %v", err)
	}

	// Bad configuration
	config := testConfig()
	config.DeliveryPolicy = "whatever"
	if _, err := NewUDP("127.0.0.1:0", config); err == nil {
		t.Errorf("bad configuration accepted")
	}

	// With hop limit
	config = testConfig()
	config.HopLimit = 16
	c, err := NewUDP("127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("could not create client with hop limit: %s", err)
	}
	c.Close()

	// From the configuration instance
	c, err = NewUDPFromConfig(core.GetClientConfig())
	if err != nil {
		t.Fatalf("could not create client from configuration: %s", err)
	}
	if !c.LocalAddr().(*net.UDPAddr).IP.IsLoopback() {
		t.Errorf("not bound to the configured address: %s", c.LocalAddr())
	}
	c.Close()
}

func TestRequest(t *testing.T) {

	c := newLoopbackClient(t)
	server := newTestServer(t)

	for _, msgType := range []coapmsg.MessageType{coapmsg.Confirmable, coapmsg.NonConfirmable} {
		req := coapmsg.NewRequest(msgType, coapmsg.GET, "/greeting")
		resp, err := c.Request(context.Background(), req, server.Addr(), c.DefaultRequestOptions())
		if err != nil {
			t.Fatalf("request error: %s", err)
		}
		if resp.Code != coapmsg.Content || string(resp.Payload) != "hello /greeting" {
			t.Errorf("bad response %s", resp)
		}

		// The request is not modified
		if req.Token != 0 || req.MessageID != 0 {
			t.Errorf("request modified")
		}
	}

	resp, err := c.Request(context.Background(), coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/fail"), server.Addr(), c.DefaultRequestOptions())
	if err != nil {
		t.Fatalf("request error: %s", err)
	}
	if resp.Code != coapmsg.InternalServerError {
		t.Errorf("bad response code %s", resp.Code)
	}

	responses := testutil.ToFloat64(core.GetCoapClientMetrics().CoapClientResponses.With(prometheus.Labels{"endpoint": server.Addr().String(), "code": "2.05"}))
	if responses != 2 {
		t.Errorf("expected 2 responses counted, got %f", responses)
	}
}

func TestConcurrentRequests(t *testing.T) {

	c := newLoopbackClient(t)
	server := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/item/%d", i)
			resp, err := c.Request(context.Background(), coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, path), server.Addr(), c.DefaultRequestOptions())
			if err != nil {
				t.Errorf("request error: %s", err)
				return
			}
			if string(resp.Payload) != "hello "+path {
				t.Errorf("got %s for %s", resp.Payload, path)
			}
		}(i)
	}
	wg.Wait()
}

func TestRequestTimeout(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)

	opts := RequestOptions{Token: 0xCAFE, Timeout: 100 * time.Millisecond, Retries: 2}
	_, err := c.Request(context.Background(), coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/silent"), peerAddr(peer), opts)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Three identical transmissions
	first, _ := peerRead(t, peer)
	for i := 0; i < 2; i++ {
		if again, _ := peerRead(t, peer); !bytes.Equal(first, again) {
			t.Errorf("retransmission differs from original")
		}
	}
	if token, _ := coapmsg.TokenFromBytes(first); token != 0xCAFE {
		t.Errorf("token not used: %s", token)
	}

	timeouts := testutil.ToFloat64(core.GetCoapClientMetrics().CoapClientTimeouts.With(prometheus.Labels{"endpoint": peerAddr(peer).String(), "code": "0.01"}))
	if timeouts != 3 {
		t.Errorf("expected 3 timeouts, got %f", timeouts)
	}
}

func TestRequestDefaultRetries(t *testing.T) {

	config := testConfig()
	config.RequestRetries = 2
	c, conn := newFakeClient(t, config)
	ctx := context.Background()

	request := coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/silent")

	// Zero retries means the configured ones
	if _, err := c.Request(ctx, request, fakePeer, RequestOptions{Timeout: 20 * time.Millisecond}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if writes := barrier(t, c, conn); len(writes) != 3 {
		t.Errorf("expected 3 transmissions, got %d", len(writes))
	}

	if _, err := c.Request(ctx, request, fakePeer, RequestOptions{Timeout: 20 * time.Millisecond, Retries: NoRetries}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if writes := barrier(t, c, conn); len(writes) != 1 {
		t.Errorf("expected 1 transmission, got %d", len(writes))
	}
}

func TestRequestWithTokenInUse(t *testing.T) {

	config := testConfig()
	config.DuplicateTokenPolicy = core.TokenPolicyReject
	c, conn := newFakeClient(t, config)
	ctx := context.Background()

	owner, _ := c.Register(ctx, 0x31, false)
	barrier(t, c, conn)

	request := coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/resource")
	if _, err := c.Request(ctx, request, fakePeer, RequestOptions{Token: 0x31, Timeout: time.Second}); !errors.Is(err, ErrTokenInUse) {
		t.Errorf("expected token in use, got %v", err)
	}
	if _, err := c.Observe(ctx, fakePeer, "/resource", RequestOptions{Token: 0x31}); !errors.Is(err, ErrTokenInUse) {
		t.Errorf("expected token in use, got %v", err)
	}

	// Nothing sent, and the token still routed to its owner
	if writes := barrier(t, c, conn); len(writes) != 0 {
		t.Errorf("unexpected datagrams sent %v", writes)
	}
	conn.inject(nonMessage(0x31, "still mine"))
	mustReceive(t, owner)
}

func TestRequestRetransmission(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)

	// Ignore the first one and answer the second
	go func() {
		buf := make([]byte, core.MAX_DATAGRAM_SIZE)
		peer.ReadFromUDP(buf)
		n, from, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := coapmsg.NewMessageFromBytes(buf[:n])
		if err != nil {
			return
		}
		resp := coapmsg.NewResponse(req, coapmsg.Content)
		resp.Payload = []byte("at last")
		data, _ := resp.ToBytes()
		peer.WriteToUDP(data, from)
	}()

	opts := RequestOptions{Timeout: 200 * time.Millisecond, Retries: 1}
	resp, err := c.Request(context.Background(), coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/slow"), peerAddr(peer), opts)
	if err != nil {
		t.Fatalf("request error: %s", err)
	}
	if string(resp.Payload) != "at last" {
		t.Errorf("bad payload %s", resp.Payload)
	}
}

func TestRequestDecodeFailure(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)

	go func() {
		buf := make([]byte, core.MAX_DATAGRAM_SIZE)
		n, from, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		token, _ := coapmsg.TokenFromBytes(buf[:n])

		// Valid header, reserved option delta
		bad := append([]byte{0x60 | byte(len(token.Bytes())), 0x45, 0x00, 0x01}, token.Bytes()...)
		bad = append(bad, 0xF1, 0x00)
		peer.WriteToUDP(bad, from)
	}()

	_, err := c.Request(context.Background(), coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/bad"), peerAddr(peer), c.DefaultRequestOptions())
	if !errors.Is(err, ErrDecode) {
		t.Errorf("expected decode failure, got %v", err)
	}
}

func TestRequestCancellation(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	opts := RequestOptions{Timeout: time.Second, Retries: 3}
	_, err := c.Request(ctx, coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/silent"), peerAddr(peer), opts)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRequestAfterClose(t *testing.T) {

	c := newLoopbackClient(t)
	server := newTestServer(t)
	c.Close()

	_, err := c.Request(context.Background(), coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, "/greeting"), server.Addr(), c.DefaultRequestOptions())
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected channel closed, got %v", err)
	}
}

func TestObserve(t *testing.T) {

	c := newLoopbackClient(t)
	server := newTestServer(t)
	ctx := context.Background()

	obs, err := c.Observe(ctx, server.Addr(), "/temp", c.DefaultRequestOptions())
	if err != nil {
		t.Fatalf("observe error: %s", err)
	}
	if obs.Resource() != "/temp" || obs.Token() == 0 {
		t.Errorf("bad observation attributes")
	}

	next := func() *coapmsg.Message {
		t.Helper()
		nctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		msg, err := obs.Next(nctx)
		if err != nil {
			t.Fatalf("next error: %s", err)
		}
		return msg
	}

	// Response to the registration
	first := next()
	if string(first.Payload) != "20" {
		t.Errorf("bad first notification %s", first)
	}
	if _, found := first.Observe(); !found {
		t.Errorf("no observe option in first notification")
	}
	if server.ObserverCount("/temp") != 1 {
		t.Fatalf("observer not registered")
	}

	for _, v := range []string{"21", "22"} {
		if n := server.Notify("/temp", &coapmsg.Message{Code: coapmsg.Content, Payload: []byte(v)}); n != 1 {
			t.Fatalf("notified %d observers", n)
		}
		if msg := next(); string(msg.Payload) != v {
			t.Errorf("bad notification %s", msg)
		}
	}

	if err := c.Unobserve(ctx, obs); err != nil {
		t.Fatalf("unobserve error: %s", err)
	}
	if _, err := obs.Next(ctx); !errors.Is(err, ErrObservationClosed) {
		t.Errorf("expected observation closed, got %v", err)
	}

	// The next notification is rejected, and the server forgets the observer
	server.Notify("/temp", &coapmsg.Message{Code: coapmsg.Content, Payload: []byte("23")})
	deadline := time.Now().Add(time.Second)
	for server.ObserverCount("/temp") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer not removed after reset")
		}
		time.Sleep(10 * time.Millisecond)
	}

	notifications := testutil.ToFloat64(core.GetCoapClientMetrics().CoapClientNotifications.With(prometheus.Labels{"endpoint": server.Addr().String(), "resource": "/temp"}))
	if notifications != 3 {
		t.Errorf("expected 3 notifications, got %f", notifications)
	}
}

func TestObservationDecodeFailure(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)
	ctx := context.Background()

	obs, err := c.Observe(ctx, peerAddr(peer), "/obs", RequestOptions{Token: 0xD00D})
	if err != nil {
		t.Fatalf("observe error: %s", err)
	}

	registration, clientAddr := peerRead(t, peer)
	req, err := coapmsg.NewMessageFromBytes(registration)
	if err != nil {
		t.Fatalf("bad registration: %s", err)
	}
	if v, found := req.Observe(); !found || v != 0 || req.Path() != "/obs" || req.Token != 0xD00D {
		t.Fatalf("bad registration %s", req)
	}

	bad := append([]byte{0x52, 0x45, 0x00, 0x01}, coapmsg.Token(0xD00D).Bytes()[2:]...)
	bad = append(bad, 0xFF)
	peer.WriteToUDP(bad, clientAddr)

	nctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := obs.Next(nctx); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode failure, got %v", err)
	}
	if _, err := obs.Next(nctx); !errors.Is(err, ErrObservationClosed) {
		t.Errorf("expected observation closed, got %v", err)
	}
}

func TestObservationEngineTerminated(t *testing.T) {

	c := newLoopbackClient(t)
	peer := newPeer(t)

	obs, err := c.Observe(context.Background(), peerAddr(peer), "/obs", c.DefaultRequestOptions())
	if err != nil {
		t.Fatalf("observe error: %s", err)
	}
	c.Close()

	if _, err := obs.Next(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected channel closed, got %v", err)
	}
	if err := obs.Close(); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected channel closed on close, got %v", err)
	}
}
