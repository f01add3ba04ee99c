package storage

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"meshmon/internal/geo"
	"meshmon/internal/observability"
)

// SortMode selects the node listing order.
type SortMode string

const (
	SortRecency   SortMode = "recency"
	SortProximity SortMode = "proximity"
)

// Position is an incoming coordinate update.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
}

// Telemetry carries device and environment metrics for a node update.
type Telemetry struct {
	BatteryLevel       *int
	Voltage            *float64
	Temperature        *float64
	Humidity           *float64
	Pressure           *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
}

// NodeUpdate is a partial node mutation. Nil fields are left untouched;
// non-nil fields replace the cached value.
type NodeUpdate struct {
	LongName  *string
	ShortName *string
	HWModel   *string
	Role      *string

	Position  *Position
	Telemetry *Telemetry

	RSSI *int
	SNR  *float64
	Hops *int

	LastHeard *time.Time
	Metadata  map[string]any
}

// StoreStats aggregates in-memory and durable dataset counts.
type StoreStats struct {
	TotalMessages      int            `json:"total_messages"`
	TotalNodes         int            `json:"total_nodes"`
	MessageTypes       map[string]int `json:"message_types"`
	NodesWithPosition  int            `json:"nodes_with_position"`
	NodesWithTelemetry int            `json:"nodes_with_telemetry"`
	Durable            Stats          `json:"durable"`
}

// StoreConfig controls cache sizing and startup hydration.
type StoreConfig struct {
	// MaxMessages bounds the in-memory recent-message ring.
	MaxMessages int
	// HydrateMessages is how many durable messages to load at startup.
	HydrateMessages int
}

// Store is the authoritative in-process cache of nodes and messages.
// Every mutation fans out to the persistence layer; persistence failures
// are logged and never propagated to ingestion callers.
type Store struct {
	db      *DB
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	maxMessages int

	msgMu    sync.Mutex
	messages []Message // newest first

	nodeMu  sync.Mutex
	nodes   map[string]*Node
	selfLat *float64
	selfLon *float64
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithStoreLogger injects a structured logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreMetrics attaches metrics instrumentation.
func WithStoreMetrics(metrics *observability.Metrics) StoreOption {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithStoreClock overrides the time source; mainly useful for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs the store and hydrates it from the persistence
// layer so proximity ordering and last-seen data are correct immediately
// after a restart.
func NewStore(db *DB, cfg StoreConfig, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: db must be provided")
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10000
	}
	if cfg.HydrateMessages <= 0 {
		cfg.HydrateMessages = 1000
	}
	if cfg.HydrateMessages > cfg.MaxMessages {
		cfg.HydrateMessages = cfg.MaxMessages
	}

	s := &Store{
		db:          db,
		logger:      slog.Default(),
		now:         time.Now,
		maxMessages: cfg.MaxMessages,
		nodes:       make(map[string]*Node),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hydrate(cfg.HydrateMessages)
	return s, nil
}

func (s *Store) hydrate(messageLimit int) {
	messages, err := s.db.Messages(messageLimit, "")
	if err != nil {
		s.logger.Error("hydrate messages failed", slog.Any("error", err))
	} else {
		s.messages = messages
	}

	nodes, err := s.db.Nodes()
	if err != nil {
		s.logger.Error("hydrate nodes failed", slog.Any("error", err))
		return
	}
	for i := range nodes {
		n := nodes[i]
		s.nodes[n.ID] = &n
	}

	s.logger.Info("store hydrated",
		slog.Int("messages", len(s.messages)),
		slog.Int("nodes", len(s.nodes)))
}

// AddMessage persists the message and prepends it to the recent ring.
// Never fails the caller. The insert runs first so the cached copy
// carries the assigned row ID; on a persistence error the message is
// still cached with ID zero.
func (s *Store) AddMessage(m Message) {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = s.now()
	}

	if err := s.db.InsertMessage(&m); err != nil {
		s.metrics.IncStoreErrors()
		s.logger.Error("persist message failed", slog.Any("error", err))
	}

	s.msgMu.Lock()
	s.messages = append([]Message{m}, s.messages...)
	if len(s.messages) > s.maxMessages {
		s.messages = s.messages[:s.maxMessages]
	}
	s.msgMu.Unlock()
}

// UpsertNode creates the node on first sight and merges the partial
// update into it, then fans the merged record out to persistence.
func (s *Store) UpsertNode(nodeID string, u NodeUpdate) Node {
	now := s.now()

	s.nodeMu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		node = &Node{
			ID:        nodeID,
			Hops:      UnknownHops,
			FirstSeen: now,
		}
		s.nodes[nodeID] = node
	}

	s.applyUpdate(node, u, now)
	snapshot := cloneNode(node)
	s.nodeMu.Unlock()

	if err := s.db.UpsertNode(&snapshot); err != nil {
		s.metrics.IncStoreErrors()
		s.logger.Error("persist node failed",
			slog.String("node_id", nodeID),
			slog.Any("error", err))
	}

	return snapshot
}

func (s *Store) applyUpdate(node *Node, u NodeUpdate, now time.Time) {
	if u.LongName != nil {
		node.LongName = *u.LongName
	}
	if u.ShortName != nil {
		node.ShortName = *u.ShortName
	}
	if u.HWModel != nil {
		node.HWModel = *u.HWModel
	}
	if u.Role != nil {
		node.Role = *u.Role
	}

	if u.Position != nil {
		lat := u.Position.Latitude
		lon := u.Position.Longitude
		node.Latitude = &lat
		node.Longitude = &lon
		node.Altitude = u.Position.Altitude
		node.PositionUpdatedAt = now
		if s.selfLat != nil && s.selfLon != nil {
			dist := geo.DistanceKm(*s.selfLat, *s.selfLon, lat, lon)
			node.DistanceKm = &dist
		}
	}

	if u.Telemetry != nil {
		if u.Telemetry.BatteryLevel != nil {
			node.BatteryLevel = u.Telemetry.BatteryLevel
		}
		if u.Telemetry.Voltage != nil {
			node.Voltage = u.Telemetry.Voltage
		}
		// Environment metrics have no dedicated columns and ride along
		// in the metadata blob.
		meta := map[string]float64{}
		setMeta := func(key string, v *float64) {
			if v != nil {
				meta[key] = *v
			}
		}
		setMeta("temperature", u.Telemetry.Temperature)
		setMeta("humidity", u.Telemetry.Humidity)
		setMeta("pressure", u.Telemetry.Pressure)
		setMeta("channel_utilization", u.Telemetry.ChannelUtilization)
		setMeta("air_util_tx", u.Telemetry.AirUtilTx)
		if len(meta) > 0 {
			if node.Metadata == nil {
				node.Metadata = map[string]any{}
			}
			for k, v := range meta {
				node.Metadata[k] = v
			}
		}
		node.TelemetryUpdatedAt = now
	}

	if u.RSSI != nil {
		node.RSSI = u.RSSI
	}
	if u.SNR != nil {
		node.SNR = u.SNR
	}

	// A known hop count never reverts to unknown on packets that lack
	// hop fields; only an explicit reset does that.
	if u.Hops != nil && *u.Hops >= 0 {
		node.Hops = *u.Hops
	}
	node.IsDirect = node.Hops == 0

	if u.LastHeard != nil {
		node.LastHeard = *u.LastHeard
	}
	for k, v := range u.Metadata {
		if node.Metadata == nil {
			node.Metadata = map[string]any{}
		}
		node.Metadata[k] = v
	}

	node.LastSeen = now
	node.UpdatedAt = now
}

// SetSelfPosition records the operator position and recomputes the
// distance of every node that already has a position. O(n); node counts
// are small.
func (s *Store) SetSelfPosition(lat, lon float64) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()

	s.selfLat = &lat
	s.selfLon = &lon

	for _, node := range s.nodes {
		if node.Latitude != nil && node.Longitude != nil {
			dist := geo.DistanceKm(lat, lon, *node.Latitude, *node.Longitude)
			node.DistanceKm = &dist
		}
	}
}

// Messages returns up to limit most recent messages, newest first,
// optionally filtered by type.
func (s *Store) Messages(limit int, msgType string) []Message {
	if limit <= 0 {
		limit = 100
	}

	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	out := make([]Message, 0, limit)
	for _, m := range s.messages {
		if msgType != "" && m.Type != msgType {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Nodes returns copies of all cached nodes in the requested order.
func (s *Store) Nodes(mode SortMode) []Node {
	s.nodeMu.Lock()
	nodes := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, cloneNode(node))
	}
	s.nodeMu.Unlock()

	switch mode {
	case SortProximity:
		sort.SliceStable(nodes, func(i, j int) bool {
			return proximityLess(nodes[i], nodes[j])
		})
	default:
		sort.SliceStable(nodes, func(i, j int) bool {
			return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
		})
	}
	return nodes
}

// proximityLess orders direct nodes first, then by hop count, then by
// distance; missing values sort as far.
func proximityLess(a, b Node) bool {
	if a.IsDirect != b.IsDirect {
		return a.IsDirect
	}
	ah, bh := sortHops(a.Hops), sortHops(b.Hops)
	if ah != bh {
		return ah < bh
	}
	return sortDistance(a.DistanceKm) < sortDistance(b.DistanceKm)
}

func sortHops(hops int) int {
	if hops < 0 {
		return 999
	}
	return hops
}

func sortDistance(d *float64) float64 {
	if d == nil {
		return 9999
	}
	return *d
}

// Node returns a copy of one cached node.
func (s *Store) Node(nodeID string) (Node, bool) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return cloneNode(node), true
}

// Stats reports cache counts plus durable totals. A failing durable
// query leaves the durable section zeroed.
func (s *Store) Stats() StoreStats {
	stats := StoreStats{MessageTypes: make(map[string]int)}

	s.msgMu.Lock()
	stats.TotalMessages = len(s.messages)
	for _, m := range s.messages {
		t := m.Type
		if t == "" {
			t = "unknown"
		}
		stats.MessageTypes[t]++
	}
	s.msgMu.Unlock()

	s.nodeMu.Lock()
	stats.TotalNodes = len(s.nodes)
	for _, node := range s.nodes {
		if node.Latitude != nil {
			stats.NodesWithPosition++
		}
		if !node.TelemetryUpdatedAt.IsZero() {
			stats.NodesWithTelemetry++
		}
	}
	s.nodeMu.Unlock()

	durable, err := s.db.Stats()
	if err != nil {
		s.logger.Error("durable stats failed", slog.Any("error", err))
	} else {
		stats.Durable = durable
	}
	return stats
}

// NodeHistory returns the durable time series for one node.
func (s *Store) NodeHistory(nodeID string, hours int) ([]HistorySample, error) {
	return s.db.NodeHistory(nodeID, hours)
}

// PurgeOlderThan sweeps aged messages and history rows from durable
// storage.
func (s *Store) PurgeOlderThan(days int) (messagesDeleted, historyDeleted int64, err error) {
	return s.db.PurgeOlderThan(days)
}

func cloneNode(n *Node) Node {
	out := *n
	if n.Metadata != nil {
		out.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
