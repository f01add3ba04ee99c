// Package hop estimates network distance for mesh nodes from the hop
// metadata carried by received packets. The radio protocol only exposes
// hop counters, so everything here is a best-effort estimate, not a path.
package hop

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshmon/internal/observability"
)

const (
	// UnknownHops marks a node whose hop count could not be derived.
	UnknownHops = -1

	// protocolCeiling is the hop limit the firmware typically enforces.
	// Estimates above it are accepted but flagged.
	protocolCeiling = 7

	// historyDepth bounds the per-node hop sample ring.
	historyDepth = 10

	// DefaultMaxHops is the hop_start assumed when a packet carries only
	// hop_limit. Firmware ships with 3 by default, some deployments run 7.
	DefaultMaxHops = 3
)

// UnknownNodeID is the sentinel identity for packets with no sender.
const UnknownNodeID = "unknown"

// Fields carries the per-packet radio metadata relevant to estimation.
// Pointer fields are nil when the transport did not report them.
type Fields struct {
	HopLimit *int
	HopStart *int
	RSSI     *int
	SNR      *float64
	ViaRelay bool
	Channel  int
}

// Record is the normalized outcome of a single estimation.
type Record struct {
	NodeID    string
	Hops      int
	IsDirect  bool
	Anomalous bool
	HopLimit  *int
	HopStart  *int
	RSSI      *int
	SNR       *float64
	ViaRelay  bool
	Channel   int
	At        time.Time
}

// Sample is one observed hop count with its signal context.
type Sample struct {
	Hops int
	RSSI *int
	SNR  *float64
	At   time.Time
}

// NodeState aggregates everything learned about one node's distance.
type NodeState struct {
	NodeID      string
	FirstSeen   time.Time
	LastSeen    time.Time
	CurrentHops int
	MinHops     int
	MaxHops     int
	IsDirect    bool
	LastRSSI    *int
	LastSNR     *float64
	PacketCount int
	History     []Sample
}

// Summary describes the tracked population at a point in time.
type Summary struct {
	TotalNodes    int         `json:"total_nodes"`
	DirectNodes   int         `json:"direct_nodes"`
	IndirectNodes int         `json:"indirect_nodes"`
	UnknownNodes  int         `json:"unknown_nodes"`
	Distribution  map[int]int `json:"distribution"`
	At            time.Time   `json:"at"`
}

// Config controls estimation behaviour.
type Config struct {
	// DefaultMaxHops is the assumed hop_start for packets that only
	// report hop_limit. Zero selects DefaultMaxHops.
	DefaultMaxHops int
}

// Estimator maintains per-node hop aggregates. Safe for concurrent use;
// the single mutex is held only for in-memory updates.
type Estimator struct {
	mu    sync.Mutex
	nodes map[string]*NodeState

	defaultMaxHops int
	logger         *slog.Logger
	metrics        *observability.Metrics
	now            func() time.Time
}

// Option configures the estimator.
type Option func(*Estimator)

// WithLogger injects a structured logger for audit events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Estimator) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithClock overrides the time source; mainly useful for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an estimator with the provided configuration.
func New(cfg Config, opts ...Option) *Estimator {
	if cfg.DefaultMaxHops <= 0 {
		cfg.DefaultMaxHops = DefaultMaxHops
	}

	e := &Estimator{
		nodes:          make(map[string]*NodeState),
		defaultMaxHops: cfg.DefaultMaxHops,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeID converts any node identifier the radio produces (numeric or
// string, with or without the "!" sigil) into the canonical string form.
// Numeric IDs are stringified with every digit intact; JSON decoding
// hands them over as float64, and fmt.Sprint would render 32-bit radio
// IDs in scientific notation.
func NormalizeID(id any) string {
	if id == nil {
		return UnknownNodeID
	}

	var s string
	switch v := id.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		s = v.String()
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint32:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	default:
		s = fmt.Sprint(id)
	}

	s = strings.TrimPrefix(s, "!")
	if s == "" {
		return UnknownNodeID
	}
	return s
}

// Estimate derives a hop count from packet fields and folds it into the
// per-node aggregate. Malformed input degrades to UnknownHops; this never
// fails the caller.
func (e *Estimator) Estimate(nodeID any, f Fields) Record {
	id := NormalizeID(nodeID)
	now := e.now()

	hops, anomalous := e.deriveHops(id, f)

	rec := Record{
		NodeID:    id,
		Hops:      hops,
		IsDirect:  hops == 0,
		Anomalous: anomalous,
		HopLimit:  f.HopLimit,
		HopStart:  f.HopStart,
		RSSI:      f.RSSI,
		SNR:       f.SNR,
		ViaRelay:  f.ViaRelay,
		Channel:   f.Channel,
		At:        now,
	}

	e.mu.Lock()
	state, ok := e.nodes[id]
	if !ok {
		state = &NodeState{
			NodeID:      id,
			FirstSeen:   now,
			CurrentHops: UnknownHops,
			MinHops:     UnknownHops,
			MaxHops:     UnknownHops,
		}
		e.nodes[id] = state
	}

	state.PacketCount++

	if hops >= 0 {
		state.History = append(state.History, Sample{Hops: hops, RSSI: f.RSSI, SNR: f.SNR, At: now})
		if len(state.History) > historyDepth {
			state.History = state.History[len(state.History)-historyDepth:]
		}
		state.CurrentHops = hops
		state.IsDirect = hops == 0
		if state.MinHops == UnknownHops || hops < state.MinHops {
			state.MinHops = hops
		}
		if hops > state.MaxHops {
			state.MaxHops = hops
		}
	}

	if hops == 0 && f.RSSI != nil {
		state.LastRSSI = f.RSSI
		state.LastSNR = f.SNR
	}

	state.LastSeen = now
	e.mu.Unlock()

	if hops >= 0 {
		e.logger.Debug("hop update",
			slog.String("node_id", id),
			slog.Int("hops", hops),
			slog.Bool("is_direct", hops == 0))
	}
	e.metrics.IncHopEstimate(outcomeLabel(hops))

	return rec
}

func (e *Estimator) deriveHops(id string, f Fields) (hops int, anomalous bool) {
	switch {
	case f.HopLimit != nil && f.HopStart != nil:
		hops = *f.HopStart - *f.HopLimit
		if hops < 0 {
			e.logger.Warn("negative hop count",
				slog.String("node_id", id),
				slog.Int("hop_start", *f.HopStart),
				slog.Int("hop_limit", *f.HopLimit))
			return UnknownHops, true
		}
		if hops > protocolCeiling {
			e.logger.Warn("unusually high hop count",
				slog.String("node_id", id),
				slog.Int("hops", hops))
			return hops, true
		}
		return hops, false

	case f.HopLimit != nil:
		// Only hop_limit reported; assume the packet started at the
		// configured default ceiling. This is firmware lore, not
		// protocol: deployments configured for 7 max hops will be
		// underestimated here.
		limit := *f.HopLimit
		switch {
		case limit == e.defaultMaxHops:
			return 0, false
		case limit < e.defaultMaxHops:
			return e.defaultMaxHops - limit, false
		default:
			e.logger.Warn("hop limit above assumed maximum",
				slog.String("node_id", id),
				slog.Int("hop_limit", limit),
				slog.Int("assumed_max", e.defaultMaxHops))
			return UnknownHops, true
		}

	default:
		return UnknownHops, false
	}
}

// Node returns a copy of the aggregate state for one node.
func (e *Estimator) Node(nodeID any) (NodeState, bool) {
	id := NormalizeID(nodeID)

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.nodes[id]
	if !ok {
		return NodeState{NodeID: id, CurrentHops: UnknownHops, MinHops: UnknownHops, MaxHops: UnknownHops}, false
	}
	return cloneState(state), true
}

// Nodes returns copies of all tracked node states keyed by node ID.
func (e *Estimator) Nodes() map[string]NodeState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]NodeState, len(e.nodes))
	for id, state := range e.nodes {
		out[id] = cloneState(state)
	}
	return out
}

// Summary reports population counts and a hop-count histogram.
func (e *Estimator) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Summary{
		TotalNodes:   len(e.nodes),
		Distribution: make(map[int]int),
		At:           e.now(),
	}
	for _, state := range e.nodes {
		switch {
		case state.IsDirect:
			s.DirectNodes++
		case state.CurrentHops > 0:
			s.IndirectNodes++
		}
		if state.CurrentHops == UnknownHops {
			s.UnknownNodes++
		} else {
			s.Distribution[state.CurrentHops]++
		}
	}
	return s
}

// Reset drops all tracked state for one node. Returns whether the node
// was known.
func (e *Estimator) Reset(nodeID any) bool {
	id := NormalizeID(nodeID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.nodes[id]; !ok {
		return false
	}
	delete(e.nodes, id)
	return true
}

// ResetAll drops every tracked node and returns how many were known.
func (e *Estimator) ResetAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.nodes)
	e.nodes = make(map[string]*NodeState)
	return n
}

func cloneState(state *NodeState) NodeState {
	out := *state
	out.History = append([]Sample(nil), state.History...)
	return out
}

func outcomeLabel(hops int) string {
	switch {
	case hops == 0:
		return "direct"
	case hops > 0:
		return "relayed"
	default:
		return "unknown"
	}
}
