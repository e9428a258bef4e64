// Package registry implements the Capability Registry: the authoritative,
// in-process map of downstream capability servers, with secondary
// indices by capability and by declared name.
package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/conductor/core"
)

// Status is a ServerRecord's lifecycle state.
type Status string

const (
	Healthy   Status = "Healthy"
	Unhealthy Status = "Unhealthy"
	Starting  Status = "Starting"
	Stopping  Status = "Stopping"
	Expired   Status = "Expired"
)

// ServerRecord describes one downstream capability server. Values
// returned by Registry methods are snapshots: copies safe to read
// without a lock, never handles into live internal state.
type ServerRecord struct {
	ID              string
	Name            string
	Version         string
	Endpoint        string
	Capabilities    []string
	Weight          int
	TTLSeconds      int
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
	Status          Status
	HealthCheckPath string
}

func (s ServerRecord) hasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (s ServerRecord) clone() ServerRecord {
	caps := make([]string, len(s.Capabilities))
	copy(caps, s.Capabilities)
	s.Capabilities = caps
	return s
}

// Description is the caller-supplied payload for Register.
type Description struct {
	Name            string
	Endpoint        string
	Capabilities    []string
	Version         string
	Weight          int
	TTLSeconds      int
	HealthCheckPath string
}

// Config tunes default values applied at registration and the expiry
// sweep cadence.
type Config struct {
	DefaultTTL        time.Duration
	DefaultWeight     int
	ExpirySweepPeriod time.Duration
	Logger            core.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.DefaultWeight <= 0 {
		c.DefaultWeight = 100
	}
	if c.ExpirySweepPeriod <= 0 {
		c.ExpirySweepPeriod = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	return c
}

// Registry is the Capability Registry: a concurrent map from server_id
// to ServerRecord plus secondary indices by capability and by name.
type Registry struct {
	cfg Config

	mu           sync.RWMutex
	servers      map[string]ServerRecord
	byCapability map[string]map[string]struct{}
	byName       map[string]map[string]struct{}

	onExpire func(serverID string)

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a Registry and starts its background expiry sweep.
func New(cfg Config) *Registry {
	r := &Registry{
		cfg:          cfg.withDefaults(),
		servers:      make(map[string]ServerRecord),
		byCapability: make(map[string]map[string]struct{}),
		byName:       make(map[string]map[string]struct{}),
		stopSweep:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// OnExpire registers a callback invoked (outside any lock) whenever the
// sweep marks a server Expired, and whenever Register replaces an existing
// record, e.g. so the Circuit-Breaker Bank can drop that server's state.
func (r *Registry) OnExpire(fn func(serverID string)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Close stops the background expiry sweep.
func (r *Registry) Close() {
	close(r.stopSweep)
	<-r.sweepDone
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.cfg.ExpirySweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	var expired []string

	r.mu.Lock()
	for id, rec := range r.servers {
		if rec.Status != Expired && now.Sub(rec.ExpiresAt) >= 0 {
			rec.Status = Expired
			r.servers[id] = rec
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.mu.RLock()
		cb := r.onExpire
		r.mu.RUnlock()
		if cb != nil {
			cb(id)
		}
		r.cfg.Logger.Info("server expired", map[string]interface{}{"server_id": id})
	}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q is not a valid absolute URL", core.ErrInvalidConfiguration, endpoint)
	}
	return nil
}

// Register adds or replaces a ServerRecord and returns its server_id.
// Double-registration of the same (name, endpoint) pair replaces the
// prior record, keeps its server_id, and invokes the OnExpire callback for
// that id so the caller's wiring can reset its circuit state (the Registry
// itself does not know about the breaker).
func (r *Registry) Register(desc Description) (string, error) {
	if strings.TrimSpace(desc.Name) == "" {
		return "", fmt.Errorf("%w: name is required", core.ErrInvalidConfiguration)
	}
	if err := validateEndpoint(desc.Endpoint); err != nil {
		return "", err
	}

	weight := desc.Weight
	if weight <= 0 {
		weight = r.cfg.DefaultWeight
	}
	ttl := desc.TTLSeconds
	if ttl <= 0 {
		ttl = int(r.cfg.DefaultTTL.Seconds())
	}
	healthPath := desc.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}

	now := time.Now()

	r.mu.Lock()

	var id string
	replaced := false
	if existing, ok := r.findByNameEndpointLocked(desc.Name, desc.Endpoint); ok {
		id = existing
		replaced = true
		r.removeFromIndicesLocked(r.servers[id])
	} else {
		id = uuid.NewString()
	}

	rec := ServerRecord{
		ID:              id,
		Name:            desc.Name,
		Version:         desc.Version,
		Endpoint:        desc.Endpoint,
		Capabilities:    append([]string(nil), desc.Capabilities...),
		Weight:          weight,
		TTLSeconds:      ttl,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		ExpiresAt:       now.Add(time.Duration(ttl) * time.Second),
		Status:          Starting,
		HealthCheckPath: healthPath,
	}
	r.servers[id] = rec
	r.addToIndicesLocked(rec)
	cb := r.onExpire
	r.mu.Unlock()

	if replaced && cb != nil {
		cb(id)
	}
	return id, nil
}

func (r *Registry) findByNameEndpointLocked(name, endpoint string) (string, bool) {
	for id := range r.byName[name] {
		if rec, found := r.servers[id]; found && rec.Endpoint == endpoint {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) addToIndicesLocked(rec ServerRecord) {
	for _, capability := range rec.Capabilities {
		set, ok := r.byCapability[capability]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[capability] = set
		}
		set[rec.ID] = struct{}{}
	}
	set, ok := r.byName[rec.Name]
	if !ok {
		set = make(map[string]struct{})
		r.byName[rec.Name] = set
	}
	set[rec.ID] = struct{}{}
}

func (r *Registry) removeFromIndicesLocked(rec ServerRecord) {
	for _, capability := range rec.Capabilities {
		if set, ok := r.byCapability[capability]; ok {
			delete(set, rec.ID)
			if len(set) == 0 {
				delete(r.byCapability, capability)
			}
		}
	}
	if set, ok := r.byName[rec.Name]; ok {
		delete(set, rec.ID)
		if len(set) == 0 {
			delete(r.byName, rec.Name)
		}
	}
}

// Deregister removes a server immediately, independent of TTL.
func (r *Registry) Deregister(serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.servers[serverID]
	if !ok {
		return core.ErrServerNotFound
	}
	r.removeFromIndicesLocked(rec)
	delete(r.servers, serverID)
	return nil
}

// Heartbeat refreshes last_heartbeat_at and expires_at for serverID, and
// optionally applies a status transition reported by the server itself.
func (r *Registry) Heartbeat(serverID string, status *Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.servers[serverID]
	if !ok {
		return core.ErrServerNotFound
	}

	now := time.Now()
	rec.LastHeartbeatAt = now
	rec.ExpiresAt = now.Add(time.Duration(rec.TTLSeconds) * time.Second)
	if status != nil {
		rec.Status = *status
	} else if rec.Status == Starting || rec.Status == Expired {
		rec.Status = Healthy
	}
	r.servers[serverID] = rec
	return nil
}

// Update applies a partial patch to serverID's record. Only non-nil
// fields in patch are applied.
type Patch struct {
	Status       *Status
	Weight       *int
	Capabilities *[]string
}

func (r *Registry) Update(serverID string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.servers[serverID]
	if !ok {
		return core.ErrServerNotFound
	}

	r.removeFromIndicesLocked(rec)
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Weight != nil {
		rec.Weight = *patch.Weight
	}
	if patch.Capabilities != nil {
		rec.Capabilities = append([]string(nil), (*patch.Capabilities)...)
	}
	r.servers[serverID] = rec
	r.addToIndicesLocked(rec)
	return nil
}

// LookupByCapability returns an immutable snapshot of Healthy,
// non-expired ServerRecords declaring capability. An unknown capability
// or an all-unhealthy pool returns an empty (not nil-panic-inducing)
// slice.
func (r *Registry) LookupByCapability(capability string) []ServerRecord {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCapability[capability]
	out := make([]ServerRecord, 0, len(ids))
	for id := range ids {
		rec, ok := r.servers[id]
		if !ok {
			continue
		}
		if rec.Status == Healthy && now.Before(rec.ExpiresAt) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// LookupByName returns every ServerRecord (any status) declared under
// name, used by the Health Monitor and administrative queries.
func (r *Registry) LookupByName(name string) []ServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byName[name]
	out := make([]ServerRecord, 0, len(ids))
	for id := range ids {
		if rec, ok := r.servers[id]; ok {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Get returns one ServerRecord by ID.
func (r *Registry) Get(serverID string) (ServerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[serverID]
	if !ok {
		return ServerRecord{}, false
	}
	return rec.clone(), true
}

// All returns a snapshot of every known server, for the Health Monitor's
// probe loop and administrative listing.
func (r *Registry) All() []ServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerRecord, 0, len(r.servers))
	for _, rec := range r.servers {
		out = append(out, rec.clone())
	}
	return out
}
