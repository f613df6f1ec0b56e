package core

import (
	"fmt"
	"sync"
)

// Defaults for the CoAP client
const (
	// RFC 7252, section 4.6. 1024 bytes of payload plus header and options
	MAX_DATAGRAM_SIZE = 1152

	CONTROL_QUEUE_SIZE  = 1000
	INGRESS_QUEUE_SIZE  = 100
	DELIVERY_QUEUE_SIZE = 16

	UNMATCHED_LOG_RATE  = 10
	UNMATCHED_LOG_BURST = 20

	REQUEST_TIMEOUT_MILLIS = 2000
)

// What to do when a delivery handle has no room for an inbound message
const (
	DeliveryPolicyDrop  = "drop"
	DeliveryPolicyBlock = "block"
)

// What to do when registering a token that is already registered
const (
	TokenPolicyOverwrite = "overwrite"
	TokenPolicyReject    = "reject"
)

// Parameters of a CoAP client
type CoapClientConfig struct {
	// Local address to bind to, in <ipaddress>:<port> format. Port may be 0
	BindAddress string

	// Size of the receive buffer. Longer datagrams are truncated
	MaxDatagramSize int

	// Capacity of the channel used to send commands to the dispatch engine
	ControlQueueSize int

	// Capacity of the channel between the socket reader and the dispatch engine
	IngressQueueSize int

	// Capacity of the channel of each observation
	DeliveryQueueSize int

	// "drop" or "block"
	DeliveryPolicy string

	// "overwrite" or "reject"
	DuplicateTokenPolicy string

	// Messages per second and burst for logging of inbound datagrams not matching any token
	UnmatchedLogRate  float64
	UnmatchedLogBurst int

	// IP TTL or hop limit of outgoing datagrams. 0 to use the system default
	HopLimit int

	// Defaults for requests that do not specify them
	RequestTimeoutMillis int
	RequestRetries       int
}

// Fills the defaults and checks the values
func (c *CoapClientConfig) Normalize() error {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0:0"
	}
	if c.MaxDatagramSize == 0 {
		c.MaxDatagramSize = MAX_DATAGRAM_SIZE
	}
	if c.ControlQueueSize == 0 {
		c.ControlQueueSize = CONTROL_QUEUE_SIZE
	}
	if c.IngressQueueSize == 0 {
		c.IngressQueueSize = INGRESS_QUEUE_SIZE
	}
	if c.DeliveryQueueSize == 0 {
		c.DeliveryQueueSize = DELIVERY_QUEUE_SIZE
	}
	if c.DeliveryPolicy == "" {
		c.DeliveryPolicy = DeliveryPolicyDrop
	}
	if c.DuplicateTokenPolicy == "" {
		c.DuplicateTokenPolicy = TokenPolicyOverwrite
	}
	if c.UnmatchedLogRate == 0 {
		c.UnmatchedLogRate = UNMATCHED_LOG_RATE
	}
	if c.UnmatchedLogBurst == 0 {
		c.UnmatchedLogBurst = UNMATCHED_LOG_BURST
	}
	if c.RequestTimeoutMillis == 0 {
		c.RequestTimeoutMillis = REQUEST_TIMEOUT_MILLIS
	}

	if c.MaxDatagramSize < 0 || c.ControlQueueSize < 0 || c.IngressQueueSize < 0 || c.DeliveryQueueSize < 0 {
		return fmt.Errorf("sizes must be positive in coap client configuration")
	}
	if c.DeliveryPolicy != DeliveryPolicyDrop && c.DeliveryPolicy != DeliveryPolicyBlock {
		return fmt.Errorf("unknown delivery policy %s", c.DeliveryPolicy)
	}
	if c.DuplicateTokenPolicy != TokenPolicyOverwrite && c.DuplicateTokenPolicy != TokenPolicyReject {
		return fmt.Errorf("unknown duplicate token policy %s", c.DuplicateTokenPolicy)
	}
	if c.HopLimit < 0 || c.HopLimit > 255 {
		return fmt.Errorf("bad hop limit %d", c.HopLimit)
	}
	if c.RequestRetries < 0 {
		return fmt.Errorf("bad number of retries %d", c.RequestRetries)
	}

	return nil
}

func (c *CoapClientConfig) initialize() error {
	return c.Normalize()
}

// Returns a configuration with all the default values
func DefaultCoapClientConfig() CoapClientConfig {
	var c CoapClientConfig
	c.Normalize()
	return c
}

///////////////////////////////////////////////////////////////////////////////

// Manages the configuration items for the CoAP client.
// The calls to get the configuration objects return a copy. If Update
// is called later, the copy returned is not modified.
type ClientConfigurationManager struct {
	CM ConfigurationManager

	coapClientConfig *ConfigObject[CoapClientConfig]
	endpoints        *ConfigObject[Endpoints]
}

// Except during testing, there will be only one instance, which will be retrieved with GetClientConfig().
// To retrieve a specific instance, use GetClientConfigInstance(<instance-name>)
var clientConfigs []*ClientConfigurationManager = make([]*ClientConfigurationManager, 0)
var clientConfigsMutex sync.Mutex

// Adds a configuration object with the specified name to the list of clientConfigs.
// If isDefault is true, also initializes the logger and the instrumentation server, which are
// shared among all instances
func InitClientConfigInstance(bootstrapFile string, instanceName string, isDefault bool) *ClientConfigurationManager {

	clientConfigsMutex.Lock()
	defer clientConfigsMutex.Unlock()

	for i := range clientConfigs {
		if clientConfigs[i].CM.instanceName == instanceName {
			panic(instanceName + " already initalized")
		}
	}

	clientConfig := ClientConfigurationManager{
		CM:               NewConfigurationManager(bootstrapFile, instanceName),
		coapClientConfig: NewConfigObject[CoapClientConfig]("coapclient.json"),
		endpoints:        NewConfigObject[Endpoints]("endpoints.yaml"),
	}

	if isDefault {
		initLogger(&clientConfig.CM)
		initInstrumentationServer(&clientConfig.CM)
	}

	if err := clientConfig.UpdateCoapClientConfig(); err != nil {
		panic(err)
	}
	if err := clientConfig.UpdateEndpoints(); err != nil {
		GetLogger().Infof("no endpoints configured: %s", err)
		clientConfig.endpoints.o = &Endpoints{}
	}

	clientConfigs = append(clientConfigs, &clientConfig)

	return &clientConfig
}

// Retrieves a specific configuration instance
func GetClientConfigInstance(instanceName string) *ClientConfigurationManager {

	clientConfigsMutex.Lock()
	defer clientConfigsMutex.Unlock()

	for i := range clientConfigs {
		if clientConfigs[i].CM.instanceName == instanceName {
			return clientConfigs[i]
		}
	}

	panic("configuraton instance <" + instanceName + "> not configured")
}

// Retrieves the default configuration instance, which is the first one in the list.
// Will panic if none is configured
func GetClientConfig() *ClientConfigurationManager {
	clientConfigsMutex.Lock()
	defer clientConfigsMutex.Unlock()

	return clientConfigs[0]
}

// Reloads the CoAP client configuration
func (c *ClientConfigurationManager) UpdateCoapClientConfig() error {
	return c.coapClientConfig.Update(&c.CM)
}

// Reloads the endpoint aliases
func (c *ClientConfigurationManager) UpdateEndpoints() error {
	return c.endpoints.Update(&c.CM)
}

// Returns a copy of the CoAP client configuration
func (c *ClientConfigurationManager) CoapClientConf() CoapClientConfig {
	return c.coapClientConfig.Get()
}

// Returns the endpoint aliases
func (c *ClientConfigurationManager) EndpointsConf() Endpoints {
	return c.endpoints.Get()
}

///////////////////////////////////////////////////////////////////////////////

// Aliases for peers. The key is the name and the value the <ipaddress>:<port>
type Endpoints map[string]string

// Returns the address for the alias, or the name itself if not an alias
func (e Endpoints) Resolve(name string) string {
	if addr, found := e[name]; found {
		return addr
	}
	return name
}
