// Package capability advertises what a speech node can do and tracks its peers
// on the bus, so that callers can route text to the least busy synthesizer.
package capability

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
)

const (
	subjectAnnounce  = "ctrl.node.announce"
	subjectHeartbeat = "ctrl.node.heartbeat"
	subjectLeave     = "ctrl.node.leave"

	// TTSStream is advertised by nodes that accept streamed text on the bus.
	TTSStream = "tts.stream"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Load is the work a node reports with every heartbeat.
type Load struct {
	Sessions int `json:"sessions"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Load         Load         `json:"load"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`

	announced bool
}

func (n NodeInfo) has(name string) bool {
	return slices.ContainsFunc(n.Capabilities, func(c Capability) bool { return c.Name == name })
}

// nodeMessage is published on all control subjects. Announcements carry the
// role and capabilities; heartbeats carry the load.
type nodeMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Load         *Load        `json:"load,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Option func(*Registry)

// WithLoad reports fn's result in every heartbeat.
func WithLoad(fn func() Load) Option {
	return func(r *Registry) { r.load = fn }
}

// Registry announces this node and keeps a view of every node on the bus.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	load   func() Load
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	done   chan struct{}
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewRegistry starts announcing local. A nil local advertises the configured capabilities.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger, opts ...Option) (*Registry, error) {
	if local == nil {
		local = FromConfig(cfg.Capabilities)
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		load:   func() Load { return Load{} },
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		cancel: cancel,
		done:   make(chan struct{}),
		nodes:  make(map[string]*NodeInfo),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.registerMetrics(); err != nil {
		r.log.Warn("failed to register capability metrics", slogError(err))
	}
	for _, h := range []struct {
		subject string
		handler nats.MsgHandler
	}{
		{subjectAnnounce, r.handleAnnounce},
		{subjectHeartbeat + ".*", r.handleHeartbeat},
		{subjectLeave, r.handleLeave},
	} {
		sub, err := busClient.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			cancel()
			r.drain()
			return nil, fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.publish(subjectAnnounce, r.announcement()); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	go r.loop(ctx)
	return r, nil
}

// Close withdraws the node from its peers and stops heartbeating.
func (r *Registry) Close() {
	r.cancel()
	if r.subs == nil {
		return
	}
	<-r.done
	if err := r.bus.PublishJSON(subjectLeave, nodeMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}); err != nil {
		r.log.Warn("failed to publish leave", slogError(err))
	}
	r.drain()
}

func (r *Registry) drain() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			load := r.load()
			msg := nodeMessage{NodeID: r.cfg.ID, Load: &load, Timestamp: time.Now().UTC()}
			if err := r.publish(subjectHeartbeat+"."+r.cfg.ID, msg); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		case <-sweep.C:
			r.markStale(time.Now())
		}
	}
}

func (r *Registry) announcement() nodeMessage {
	load := r.load()
	return nodeMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Load:         &load,
		Timestamp:    time.Now().UTC(),
	}
}

// publish sends msg and applies it locally, so the node sees itself without a
// bus round trip.
func (r *Registry) publish(subject string, msg nodeMessage) error {
	if err := r.bus.PublishJSON(subject, msg); err != nil {
		return err
	}
	r.observe(msg, subject == subjectAnnounce)
	return nil
}

// handleAnnounce answers a newcomer with this node's own announcement so that
// nodes started later learn about earlier ones.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok {
		return
	}
	r.mu.RLock()
	node, ok := r.nodes[m.NodeID]
	known := ok && node.announced
	r.mu.RUnlock()
	r.observe(m, true)
	if known || m.NodeID == r.cfg.ID {
		return
	}
	r.log.Info("node joined", slog.String("node_id", m.NodeID), slog.String("role", m.Role))
	if err := r.publish(subjectAnnounce, r.announcement()); err != nil {
		r.log.Warn("failed to re-announce node", slogError(err))
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	if m, ok := r.decode(msg); ok {
		r.observe(m, false)
	}
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok || m.NodeID == r.cfg.ID {
		return
	}
	r.mu.Lock()
	delete(r.nodes, m.NodeID)
	r.mu.Unlock()
	r.log.Info("node left", slog.String("node_id", m.NodeID))
}

func (r *Registry) decode(msg *nats.Msg) (nodeMessage, bool) {
	var m nodeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.NodeID == "" {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject))
		return m, false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m, true
}

func (r *Registry) observe(m nodeMessage, announce bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[m.NodeID]
	if !ok {
		node = &NodeInfo{ID: m.NodeID}
		r.nodes[m.NodeID] = node
	}
	if m.Role != "" {
		node.Role = m.Role
	}
	if announce {
		node.Capabilities = m.Capabilities
		node.announced = true
	}
	if m.Load != nil {
		node.Load = *m.Load
	}
	node.LastSeen = m.Timestamp
	node.Healthy = true
}

func (r *Registry) markStale(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node has heard its own recent heartbeat.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the matching nodes sorted by ID. A nil filter matches all.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		if filter == nil || filter(*node) {
			results = append(results, *node)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int { return cmp.Compare(a.ID, b.ID) })
	return results
}

// Select returns the healthy node advertising name with the fewest active sessions.
func (r *Registry) Select(name string) (NodeInfo, bool) {
	candidates := r.Query(func(n NodeInfo) bool { return n.Healthy && n.has(name) })
	if len(candidates) == 0 {
		return NodeInfo{}, false
	}
	return slices.MinFunc(candidates, func(a, b NodeInfo) int {
		return cmp.Or(cmp.Compare(a.Load.Sessions, b.Load.Sessions), cmp.Compare(a.ID, b.ID))
	}), true
}

func (r *Registry) registerMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Known nodes by health"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy, stale int64
		for _, n := range r.Query(nil) {
			if n.Healthy {
				healthy++
			} else {
				stale++
			}
		}
		obs.ObserveInt64(nodes, healthy, metric.WithAttributes(attribute.Bool("healthy", true)))
		obs.ObserveInt64(nodes, stale, metric.WithAttributes(attribute.Bool("healthy", false)))
		return nil
	}, nodes)
	return err
}

// FromConfig converts configured capabilities into their wire form.
func FromConfig(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{Name: c.Name, Tier: c.Tier, Attributes: maps.Clone(c.Attributes)})
	}
	return result
}

// WithAttributes returns caps with attrs merged into the capability called name,
// adding it when absent.
func WithAttributes(caps []Capability, name string, attrs map[string]string) []Capability {
	out := slices.Clone(caps)
	i := slices.IndexFunc(out, func(c Capability) bool { return c.Name == name })
	if i < 0 {
		out = append(out, Capability{Name: name})
		i = len(out) - 1
	}
	merged := maps.Clone(out[i].Attributes)
	if merged == nil {
		merged = make(map[string]string, len(attrs))
	}
	maps.Copy(merged, attrs)
	out[i].Attributes = merged
	return out
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.has(name) }
}

func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool { return c.Tier == tier })
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
