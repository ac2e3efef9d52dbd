// Package presence announces this notes node on the bus and tracks the
// devices and peers that announce themselves alongside it.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-notes/internal/config"
)

const (
	SubjectAnnounce        = "notes.node.announce"
	SubjectHeartbeatPrefix = "notes.node.heartbeat"
)

// Capability is one service a node offers, such as transcription through a
// particular engine.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the last known state of a node.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg     config.NodeConfig
	log     *slog.Logger
	conn    *nats.Conn
	local   []Capability
	clock   func() time.Time
	mu      sync.RWMutex
	nodes   map[string]*NodeInfo
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	metrics metric.Registration
}

// Start subscribes to announcements, announces the local node with the given
// capabilities and begins heart-beating.
func Start(ctx context.Context, cfg config.NodeConfig, conn *nats.Conn, local []Capability, log *slog.Logger) (*Registry, error) {
	if conn == nil {
		return nil, fmt.Errorf("presence requires a bus connection")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence")),
		conn:   conn,
		local:  local,
		clock:  func() time.Time { return time.Now().UTC() },
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.metrics != nil {
		_ = r.metrics.Unregister()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    r.clock(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return r.conn.Publish(SubjectAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.clock()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node still hears its own heartbeats.
func (r *Registry) Healthy() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns known nodes matching filter, ordered by ID.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-notes/presence")
	gauge, err := meter.Int64ObservableGauge("notes.presence.nodes", metric.WithDescription("Number of healthy nodes"))
	if err != nil {
		return err
	}
	r.metrics, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Nodes(Healthy))))
		return nil
	}, gauge)
	return err
}

// Healthy is a Nodes filter for nodes seen within the heartbeat timeout.
func Healthy(node NodeInfo) bool { return node.Healthy }

// WithCapability filters nodes advertising the named capability.
func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithRole filters nodes by role.
func WithRole(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Role == role }
}

// LocalCapabilities describes what a notes node offers under cfg.
func LocalCapabilities(cfg config.Config) []Capability {
	caps := []Capability{
		{Name: "notes.store", Attributes: map[string]string{"backend": cfg.Store.Backend}},
		{Name: "stt", Attributes: map[string]string{"mode": cfg.STT.Mode}},
		{Name: "classify", Attributes: map[string]string{"mode": cfg.LLM.Mode}},
	}
	if cfg.Bus.Enabled {
		caps = append(caps, Capability{Name: "audio.ingest"})
	}
	return caps
}
