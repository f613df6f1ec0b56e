package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	INPUT_QUEUE_SIZE = 100
	QUERY_QUEUE_SIZE = 10
)

// Status of a dispatch engine, as reported to the instrumentation server
type EngineTableEntry struct {
	LocalAddress     string
	State            string
	RegisteredTokens int
	LastStatusChange time.Time
	LastError        string
}

// Keyed by local address
type EnginesTable map[string]EngineTableEntry

type EngineStatusEvent struct {
	Entry EngineTableEntry
}

// Reports the status of a dispatch engine. Does nothing if the instrumentation
// server is not running, and never blocks the caller
func PushEngineStatus(entry EngineTableEntry) {
	is := MS.Load()
	if is == nil {
		return
	}
	select {
	case is.metricEventChan <- EngineStatusEvent{Entry: entry}:
	default:
		GetLogger().Debugf("instrumentation queue full. Status of %s not updated", entry.LocalAddress)
	}
}

// The single instance of the instrumentation server. nil if not started
var MS atomic.Pointer[InstrumentationServer]

type InstrumentationServerConfiguration struct {
	BindAddress string
	// If 0, the server is not started
	Port int
}

// Specification of a query to the instrumentation server
type Query struct {

	// Name of the object to query
	Name string

	// Channel where the response is written
	RChan chan interface{}
}

// The instrumentation server exposes the prometheus metrics and runs an event loop for
// getting the engine status events, answering to queries and doing graceful termination
type InstrumentationServer struct {

	// To wait until termination
	doneChan chan interface{}

	// To signal closure
	controlChan chan interface{}

	// Status events are received here
	metricEventChan chan interface{}

	// Queries are received here
	queryChan chan Query

	// Where the http server is listening
	listener net.Listener

	httpMetricsServer *http.Server

	enginesTable EnginesTable

	closeOnce sync.Once
}

// Creates the instrumentation server and starts listening. Use port 0 for an ephemeral port
func NewInstrumentationServer(bindAddress string, port int) (*InstrumentationServer, error) {

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddress, port))
	if err != nil {
		return nil, fmt.Errorf("could not start instrumentation server: %w", err)
	}

	server := InstrumentationServer{
		doneChan:        make(chan interface{}, 1),
		controlChan:     make(chan interface{}, 1),
		metricEventChan: make(chan interface{}, INPUT_QUEUE_SIZE),
		queryChan:       make(chan Query, QUERY_QUEUE_SIZE),
		listener:        listener,
		enginesTable:    make(EnginesTable),
	}

	mux := new(http.ServeMux)
	mux.Handle("/go_metrics", promhttp.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{Registry: prometheusRegistry}))
	mux.HandleFunc("/engines", server.getEnginesHandler())

	server.httpMetricsServer = &http.Server{
		Handler:           mux,
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go server.httpLoop()
	go server.eventLoop()

	return &server, nil
}

// To be called when initializing the default configuration instance
func initInstrumentationServer(cm *ConfigurationManager) {

	var instrumentationConfig = NewConfigObject[InstrumentationServerConfiguration]("instrumentation.json")
	if err := instrumentationConfig.Update(cm); err != nil {
		GetLogger().Infof("instrumentation server not configured: %s", err)
		return
	}

	var config = instrumentationConfig.Get()
	if config.Port == 0 {
		GetLogger().Info("instrumentation server disabled")
		return
	}

	is, err := NewInstrumentationServer(config.BindAddress, config.Port)
	if err != nil {
		panic(err)
	}

	// Make the instrumentation server globally available
	MS.Store(is)
}

// Address where the server is listening, in <ipaddress>:<port> format
func (is *InstrumentationServer) Addr() string {
	return is.listener.Addr().String()
}

// Shuts down the http server and the event loop. Closing more than once has no effect
func (is *InstrumentationServer) Close() {
	is.closeOnce.Do(func() {
		MS.CompareAndSwap(is, nil)
		close(is.controlChan)
	})
	<-is.doneChan
}

// Wrapper to get the EnginesTable
func (is *InstrumentationServer) EnginesTableQuery() EnginesTable {
	query := Query{Name: "EnginesTable", RChan: make(chan interface{}, 1)}
	is.queryChan <- query
	return (<-query.RChan).(EnginesTable)
}

func (is *InstrumentationServer) httpLoop() {

	GetLogger().Infof("instrumentation server listening in %s", is.Addr())

	// Prometheus uses plain old http
	err := is.httpMetricsServer.Serve(is.listener)

	if !errors.Is(err, http.ErrServerClosed) {
		GetLogger().Errorf("instrumentation server error: %s", err)
	}
}

// Main loop for getting status events and serving queries
func (is *InstrumentationServer) eventLoop() {

	for {
		select {

		case <-is.controlChan:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			is.httpMetricsServer.Shutdown(ctx)
			cancel()
			close(is.doneChan)
			return

		case query := <-is.queryChan:

			switch query.Name {
			case "EnginesTable":
				// Send a copy
				table := make(EnginesTable, len(is.enginesTable))
				for k, v := range is.enginesTable {
					table[k] = v
				}
				query.RChan <- table
			}

			close(query.RChan)

		case event := <-is.metricEventChan:

			switch e := event.(type) {
			case EngineStatusEvent:
				is.enginesTable[e.Entry.LocalAddress] = e.Entry
			}
		}
	}
}

func (is *InstrumentationServer) getEnginesHandler() func(w http.ResponseWriter, req *http.Request) {
	return func(writer http.ResponseWriter, request *http.Request) {
		table := is.EnginesTableQuery()
		writer.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(writer).Encode(table); err != nil {
			writer.WriteHeader(http.StatusInternalServerError)
		}
	}
}
