package core

import (
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/francistor/coapclient/resources"
	_ "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

const (
	HTTP_TIMEOUT_SECONDS = 5
)

// Holds a SearchRule, which specifies where to look for a configuration object
type SearchRule struct {
	// Regex for the name of the object. If matching, we'll try to locate
	// it prepending the Origin property to compose the location (file, http or resource).
	// The regex must contain a matching group that will be the part used to
	// look for the object. For instance, in "client/(.*)", the part after "client/"
	// will be taken as the resource name when retrieving an object such as client/coapclient.json
	NameRegex string

	// Compiled form of NameRegex
	Regex *regexp.Regexp

	// Can be a URL, a path, resource:// for embedded objects or database:table:keycolumn:paramscolumn
	Origin string
}

// The applicable Search Rules. Hold also the configuration for the configuration database
type SearchRules struct {
	Rules []SearchRule
	Db    struct {
		Url          string
		Driver       string
		MaxOpenConns int
	}
}

// Basic objects and methods to manage configuration files without yet
// interpreting them. To be embedded in a ClientConfigurationManager.
// Multiple "instances" can coexist in a single executable (mainly for testing)
type ConfigurationManager struct {

	// Configuration objects are searched for in a path that contains
	// the instanceName first and, if not found, in a path without it. This
	// way a general configuration can be overriden
	instanceName string

	// The bootstrap file is the first configuration file read, and it contains
	// the rules for searching other files. It can be a local file, a URL or an embedded resource
	bootstrapFile string

	// The contents of the bootstrapFile are parsed here
	searchRules SearchRules

	// Database Handle for access to the configuration database
	dbHandle *sql.DB
}

// The home location for configuration files not referenced as absolute paths
var ConfigBase string

// Creates and initializes a ConfigurationManager
func NewConfigurationManager(bootstrapFile string, instanceName string) ConfigurationManager {
	cm := ConfigurationManager{
		instanceName:  instanceName,
		bootstrapFile: bootstrapFile,
	}

	cm.fillSearchRules(cm.fixBootstrapFileLocation(bootstrapFile, true))

	return cm
}

// Returns the name of the instance
func (c *ConfigurationManager) InstanceName() string {
	return c.instanceName
}

// Fills the object passed as parameter with the configuration object. Objects whose
// name ends in .yaml or .yml are interpreted as YAML, and as JSON otherwise
func (c *ConfigurationManager) BuildObjectFromConfig(objectName string, obj any) error {

	ob, err := c.getObject(objectName)
	if err != nil {
		return err
	}

	if strings.HasSuffix(objectName, ".yaml") || strings.HasSuffix(objectName, ".yml") {
		return yaml.Unmarshal(ob, obj)
	}
	return json.Unmarshal(ob, obj)
}

// Returns the raw contents of the configuration object
func (c *ConfigurationManager) GetBytesConfigObject(objectName string) ([]byte, error) {

	return c.getObject(objectName)
}

// Finds the origin from the SearchRules and reads the object, trying with instance
// name first, and then global
func (c *ConfigurationManager) getObject(objectName string) ([]byte, error) {

	// Iterate through Search Rules
	var origin string
	var innerName string

	for _, rule := range c.searchRules.Rules {
		if matches := rule.Regex.FindStringSubmatch(objectName); matches != nil {
			innerName = matches[1]
			origin = rule.Origin
			break
		}
	}
	if innerName == "" {
		return nil, errors.New("object name does not match any rules")
	}

	if strings.HasPrefix(origin, "database:") {
		return c.readResource(origin)
	}

	// Try first with instance name
	if c.instanceName != "" {
		if objectBytes, err := c.readResource(origin + c.instanceName + "/" + innerName); err == nil {
			return objectBytes, nil
		}
	}

	// Try without instance name
	return c.readResource(origin + innerName)
}

// Reads the configuration item from the specified location, which may be
// a file, an http(s) url, an embedded resource or a database table
func (c *ConfigurationManager) readResource(location string) ([]byte, error) {

	if strings.HasPrefix(location, "database:") {
		return c.readDatabaseResource(location)

	} else if strings.HasPrefix(location, "resource://") {
		return resources.Fs.ReadFile(strings.TrimPrefix(location, "resource://"))

	} else if strings.HasPrefix(location, "http:") || strings.HasPrefix(location, "https:") {
		return HttpGetBytes(location)

	} else {
		return os.ReadFile(ConfigBase + location)
	}
}

// Format is database:table:keycolumn:paramscolumn
// The returned object is always a JSON whose first level properties are the values of the keycolumn
func (c *ConfigurationManager) readDatabaseResource(location string) ([]byte, error) {

	if c.dbHandle == nil {
		return nil, fmt.Errorf("no database configured to read %s", location)
	}

	items := strings.Split(location, ":")
	tableName := items[1]
	keyColumn := items[2]
	paramsColumn := items[3]

	entries := make(map[string]*json.RawMessage)

	rows, err := c.dbHandle.Query(fmt.Sprintf("select %s, %s from %s", keyColumn, paramsColumn, tableName))
	if err != nil {
		return nil, fmt.Errorf("error reading from database. %s, %w", location, err)
	}
	defer rows.Close()

	var k string
	for rows.Next() {
		var v json.RawMessage
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("error reading from database. %s, %w", location, err)
		}
		entries[k] = &v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading from database. %s, %w", location, err)
	}

	return json.Marshal(entries)
}

// Reads the bootstrap file and fills the search rules for the Configuration Manager.
// To be called upon instantiation of the ConfigurationManager.
// The bootstrap file is not subject to instance searching rules: must reside in the specified location without
// appending instance name
func (c *ConfigurationManager) fillSearchRules(bootstrapFile string) {
	var shouldInitDB bool

	rules, err := c.readResource(bootstrapFile)
	if err != nil {
		panic("could not retrieve the bootstrap file in " + bootstrapFile)
	}

	err = json.Unmarshal(rules, &c.searchRules)
	if err != nil || len(c.searchRules.Rules) == 0 {
		panic("could not decode the Search Rules or empty file")
	}

	// Add the compiled regular expression for each rule and sanity check for origin
	for i, sr := range c.searchRules.Rules {
		if c.searchRules.Rules[i].Regex, err = regexp.Compile(sr.NameRegex); err != nil {
			panic("could not compile Search Rule Regex: " + sr.NameRegex)
		}
		origin := c.searchRules.Rules[i].Origin
		if strings.HasPrefix(origin, "database") {
			shouldInitDB = true
			if len(strings.Split(origin, ":")) != 4 {
				panic("bad format for database search rule: " + origin)
			}
		}
	}

	if shouldInitDB {
		if c.searchRules.Db.Driver == "" || c.searchRules.Db.Url == "" {
			panic("db access parameters not specified in searchrules")
		}
		c.dbHandle, err = sql.Open(c.searchRules.Db.Driver, c.searchRules.Db.Url)
		if err != nil {
			panic("could not create database object " + c.searchRules.Db.Driver)
		}
		c.dbHandle.SetMaxOpenConns(c.searchRules.Db.MaxOpenConns)

		// If the database is not available, die
		if err = c.dbHandle.Ping(); err != nil {
			panic("could not ping database in " + c.searchRules.Db.Url)
		}
	}
}

// Sets ConfigBase as the directory where the bootstrap file resides
// and returns the normalized location of that bootstrap file, looking for it in the current
// directory and in the parent directory, which is useful for tests
func (c *ConfigurationManager) fixBootstrapFileLocation(bootstrapFileName string, tryWithParent bool) string {

	// Skip if file is in a http location or embedded
	if strings.HasPrefix(bootstrapFileName, "http:") || strings.HasPrefix(bootstrapFileName, "https:") ||
		strings.HasPrefix(bootstrapFileName, "resource://") {
		return bootstrapFileName
	}

	if fileInfo, err := os.Stat(bootstrapFileName); err == nil {
		abs, err := filepath.Abs(bootstrapFileName)
		if err != nil {
			panic(err)
		}
		ConfigBase = filepath.Dir(abs) + "/"
		return fileInfo.Name()
	}

	if !tryWithParent {
		panic("could not find the bootstrap file in " + bootstrapFileName)
	}
	return c.fixBootstrapFileLocation("../"+bootstrapFileName, false)
}

// Retrieves the contents of an http(s) location
func HttpGetBytes(location string) ([]byte, error) {

	httpClient := http.Client{
		Timeout: HTTP_TIMEOUT_SECONDS * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // ignore expired SSL certificates
		},
	}

	resp, err := httpClient.Get(location)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("got status code %d while retrieving %s", resp.StatusCode, location)
	}
	return io.ReadAll(resp.Body)
}

// Same as HttpGetBytes, returning a string
func HttpGet(location string) (string, error) {
	b, err := HttpGetBytes(location)
	return string(b), err
}
