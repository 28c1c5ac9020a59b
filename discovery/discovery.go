// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery announces the monitor's host API on the local network
// over mDNS and finds other monitor instances.
//
// The service is registered as "_nextdns-monitor._tcp" with TXT records:
//   - version: build version of the monitor
//   - path: base path of the host API (always "/api")
//   - ws: path of the device event stream
//
// A companion app or a second instance can browse for the service type to
// find the API without configuration:
//
//	scanner := discovery.NewScanner(discovery.DefaultServiceType, "local.")
//	instances, err := scanner.Discover(ctx, 3*time.Second)
//	for _, inst := range instances {
//	    fmt.Println(inst.Name, inst.APIURL())
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

const (
	// DefaultServiceType is the DNS-SD service type of the host API.
	DefaultServiceType = "_nextdns-monitor._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	txtVersion = "version"
	txtPath    = "path"
	txtWS      = "ws"

	apiPath = "/api"
	wsPath  = "/ws"
)

// Instance is a monitor found on the network.
type Instance struct {
	Name      string
	Address   net.IP
	Port      int
	TXTRecord map[string]string
	Hostname  string
}

// ID identifies the instance by address and port.
func (i *Instance) ID() string {
	return net.JoinHostPort(i.Address.String(), strconv.Itoa(i.Port))
}

// Version returns the advertised build version, or "" if none.
func (i *Instance) Version() string {
	if i.TXTRecord == nil {
		return ""
	}
	return i.TXTRecord[txtVersion]
}

// APIURL returns the base URL of the instance's host API. The advertised
// path is used when it is absolute; otherwise "/api".
func (i *Instance) APIURL() string {
	path := apiPath
	if i.TXTRecord != nil {
		if p := i.TXTRecord[txtPath]; strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") {
			path = p
		}
	}
	return "http://" + i.ID() + path
}

// TXTRecords builds the TXT records advertised for this process.
func TXTRecords(version string) []string {
	return []string{
		txtVersion + "=" + version,
		txtPath + "=" + apiPath,
		txtWS + "=" + wsPath,
	}
}

// ParseTXT converts "key=value" TXT strings into a map. Entries without '='
// are ignored; keys are case-insensitive and stored lower case. The first
// occurrence of a key wins.
func ParseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok || key == "" {
			continue
		}
		key = strings.ToLower(key)
		if _, exists := txt[key]; !exists {
			txt[key] = value
		}
	}
	return txt
}

// Advertiser registers the host API as an mDNS service.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser that is not yet registered.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Register starts answering mDNS queries for the service. Calling Register
// while registered replaces the previous registration.
func (a *Advertiser) Register(instance, serviceType, domain string, port int, txt []string) error {
	if instance == "" {
		return fmt.Errorf("mdns instance name must not be empty")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid mdns port %d", port)
	}

	server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}

	a.mu.Lock()
	previous := a.server
	a.server = server
	a.mu.Unlock()

	if previous != nil {
		previous.Shutdown()
	}

	logger.Info().
		Str("instance", instance).
		Str("service", serviceType).
		Int("port", port).
		Msg("Advertising host API over mDNS")
	return nil
}

// Registered reports whether the service is currently advertised.
func (a *Advertiser) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Shutdown withdraws the advertisement. It is safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
		logger.Info().Msg("Stopped mDNS advertisement")
	}
}

// Scanner browses for monitor instances.
type Scanner struct {
	serviceType string
	domain      string
	instances   map[string]*Instance
	mu          sync.RWMutex // Protects instances
}

// NewScanner creates a scanner for serviceType in domain.
func NewScanner(serviceType, domain string) *Scanner {
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		instances:   make(map[string]*Instance),
	}
}

// Discover browses for timeout (or until ctx ends) and returns the instances
// seen during this scan. Instances are also remembered across scans.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	// Buffered so a burst of answers does not stall the resolver.
	entries := make(chan *zeroconf.ServiceEntry, 10)
	found := make(map[string]*Instance)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			inst := parseServiceEntry(entry)
			if inst == nil {
				continue
			}
			s.add(inst)
			found[inst.ID()] = inst

			logger.Info().
				Str("instance", inst.Name).
				Str("address", inst.ID()).
				Str("version", inst.Version()).
				Msg("Discovered monitor instance")
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, s.serviceType, s.domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	<-browseCtx.Done()
	<-done // the resolver closes entries once browsing stops

	return sortedInstances(found), nil
}

func (s *Scanner) add(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID()] = inst
}

// Instances returns every instance seen so far, ordered by ID.
func (s *Scanner) Instances() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedInstances(s.instances)
}

// Instance returns an instance by ID, or nil.
func (s *Scanner) Instance(id string) *Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[id]
}

func sortedInstances(m map[string]*Instance) []*Instance {
	out := make([]*Instance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// parseServiceEntry converts a resolver answer into an Instance, preferring
// an IPv4 address. Entries without an address or port are dropped.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Instance {
	if entry == nil || entry.Port <= 0 {
		return nil
	}

	var addr net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		addr = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		addr = entry.AddrIPv6[0]
	default:
		return nil
	}

	return &Instance{
		Name:      entry.Instance,
		Address:   addr,
		Port:      entry.Port,
		TXTRecord: ParseTXT(entry.Text),
		Hostname:  entry.HostName,
	}
}
