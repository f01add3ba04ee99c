// Package storage owns both the durable SQLite copies of the node and
// message state and the in-process authoritative Store that fronts them.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"meshmon/internal/observability"
)

// UnknownHops marks a node whose network distance has not been derived.
const UnknownHops = -1

// Node is one durable roster entry. Pointer fields are nil until the
// corresponding metric has been reported at least once.
type Node struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   string
	Role      string

	Latitude  *float64
	Longitude *float64
	Altitude  *float64

	BatteryLevel *int
	Voltage      *float64
	RSSI         *int
	SNR          *float64

	Hops       int
	IsDirect   bool
	DistanceKm *float64

	PositionUpdatedAt  time.Time
	TelemetryUpdatedAt time.Time
	FirstSeen          time.Time
	LastSeen           time.Time
	LastHeard          time.Time

	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one received packet of interest. Immutable once stored.
type Message struct {
	ID       int64
	FromNode string
	ToNode   string
	Channel  int
	PortNum  int
	Type     string
	Text     string

	Encrypted bool
	HopCount  *int
	HopLimit  *int
	RSSI      *int
	SNR       *float64

	PacketID string
	WantAck  bool
	ViaRelay bool
	Delayed  bool
	Priority *int

	Raw []byte

	ReceivedAt time.Time
	CreatedAt  time.Time
}

// HistorySample is one append-only time-series row for a node.
type HistorySample struct {
	ID           int64
	NodeID       string
	RSSI         *int
	SNR          *float64
	BatteryLevel *int
	Latitude     *float64
	Longitude    *float64
	Altitude     *float64
	Hops         *int
	RecordedAt   time.Time
}

// Stats summarises the durable dataset.
type Stats struct {
	TotalNodes     int            `json:"total_nodes"`
	ActiveNodes    int            `json:"active_nodes"`
	TotalMessages  int            `json:"total_messages"`
	MessageTypes   map[string]int `json:"message_types"`
	DatabaseSizeMB float64        `json:"database_size_mb"`
}

// DB wraps the embedded SQLite engine behind the operations the Store
// and the query surface need.
type DB struct {
	path string
	db   *sql.DB

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	maintenanceInterval time.Duration
	maintenanceStop     chan struct{}
	wg                  sync.WaitGroup
	closeOnce           sync.Once
}

// DBOption configures the database wrapper.
type DBOption func(*DB)

// WithDBLogger injects a structured logger.
func WithDBLogger(logger *slog.Logger) DBOption {
	return func(d *DB) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDBMetrics attaches metrics instrumentation.
func WithDBMetrics(metrics *observability.Metrics) DBOption {
	return func(d *DB) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithMaintenanceInterval overrides the periodic maintenance cadence.
func WithMaintenanceInterval(interval time.Duration) DBOption {
	return func(d *DB) {
		if interval > 0 {
			d.maintenanceInterval = interval
		}
	}
}

// WithDBClock overrides the time source; mainly useful for tests.
func WithDBClock(now func() time.Time) DBOption {
	return func(d *DB) {
		if now != nil {
			d.now = now
		}
	}
}

// Open creates or opens the database file, applies pragmas and runs
// migrations. Reads against a freshly created schema return empty
// results, not errors.
func Open(path string, opts ...DBOption) (*DB, error) {
	if path == "" {
		return nil, errors.New("storage: database path must be provided")
	}

	d := &DB{
		path:                path,
		logger:              slog.Default(),
		now:                 time.Now,
		maintenanceInterval: 6 * time.Hour,
		maintenanceStop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	d.path = abs

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	if err := configureConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	d.db = db
	return d, nil
}

// StartMaintenance launches the periodic checkpoint/optimize task.
func (d *DB) StartMaintenance(ctx context.Context) {
	if d.maintenanceInterval <= 0 || d.db == nil {
		return
	}

	ticker := time.NewTicker(d.maintenanceInterval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.maintenanceStop:
				return
			case <-ticker.C:
				if err := d.runMaintenance(ctx); err != nil && !errors.Is(err, context.Canceled) {
					d.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (d *DB) runMaintenance(ctx context.Context) error {
	start := d.now()
	if _, err := d.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: wal_checkpoint: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: optimize: %w", err)
	}
	d.logger.Info("sqlite maintenance completed", slog.Duration("duration", time.Since(start)))
	return nil
}

// Close checkpoints and closes the database.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		close(d.maintenanceStop)
		d.wg.Wait()
		if d.db != nil {
			if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				d.logger.Warn("final checkpoint failed", slog.Any("error", err))
			}
			if _, err := d.db.Exec("PRAGMA optimize"); err != nil {
				d.logger.Warn("final optimize failed", slog.Any("error", err))
			}
			_ = d.db.Close()
		}
	})
	return nil
}

// UpsertNode writes the node row, preserving first_seen across updates,
// and appends a history sample when the update carries a live metric.
func (d *DB) UpsertNode(n *Node) error {
	if n == nil || n.ID == "" {
		return errors.New("storage: node id must be provided")
	}

	now := d.now()

	var existingFirstSeen sql.NullFloat64
	err := d.db.QueryRow(`SELECT first_seen FROM nodes WHERE id = ?`, n.ID).Scan(&existingFirstSeen)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage: lookup node: %w", err)
	}

	metadata, err := json.Marshal(nonNilMetadata(n.Metadata))
	if err != nil {
		return fmt.Errorf("storage: marshal metadata: %w", err)
	}

	lastSeen := n.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}
	lastHeard := n.LastHeard
	if lastHeard.IsZero() {
		lastHeard = lastSeen
	}

	if exists {
		_, err = d.db.Exec(`UPDATE nodes SET
		        long_name = ?,
		        short_name = ?,
		        hw_model = ?,
		        role = ?,
		        latitude = ?,
		        longitude = ?,
		        altitude = ?,
		        battery_level = ?,
		        voltage = ?,
		        rssi = ?,
		        snr = ?,
		        hops = ?,
		        is_direct = ?,
		        distance_km = ?,
		        position_updated_at = ?,
		        telemetry_updated_at = ?,
		        last_seen = ?,
		        last_heard = ?,
		        metadata = ?,
		        updated_at = ?
		    WHERE id = ?`,
			nullString(n.LongName),
			nullString(n.ShortName),
			nullString(n.HWModel),
			nullString(n.Role),
			nullFloat(n.Latitude),
			nullFloat(n.Longitude),
			nullFloat(n.Altitude),
			nullInt(n.BatteryLevel),
			nullFloat(n.Voltage),
			nullInt(n.RSSI),
			nullFloat(n.SNR),
			n.Hops,
			boolToInt(n.IsDirect),
			nullFloat(n.DistanceKm),
			nullTime(n.PositionUpdatedAt),
			nullTime(n.TelemetryUpdatedAt),
			timeToSeconds(lastSeen),
			timeToSeconds(lastHeard),
			string(metadata),
			timeToSeconds(now),
			n.ID,
		)
	} else {
		firstSeen := n.FirstSeen
		if firstSeen.IsZero() {
			firstSeen = now
		}
		_, err = d.db.Exec(`INSERT INTO nodes (
		        id, long_name, short_name, hw_model, role,
		        latitude, longitude, altitude, battery_level, voltage,
		        rssi, snr, hops, is_direct, distance_km,
		        position_updated_at, telemetry_updated_at,
		        first_seen, last_seen, last_heard, metadata,
		        created_at, updated_at
		    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID,
			nullString(n.LongName),
			nullString(n.ShortName),
			nullString(n.HWModel),
			nullString(n.Role),
			nullFloat(n.Latitude),
			nullFloat(n.Longitude),
			nullFloat(n.Altitude),
			nullInt(n.BatteryLevel),
			nullFloat(n.Voltage),
			nullInt(n.RSSI),
			nullFloat(n.SNR),
			n.Hops,
			boolToInt(n.IsDirect),
			nullFloat(n.DistanceKm),
			nullTime(n.PositionUpdatedAt),
			nullTime(n.TelemetryUpdatedAt),
			timeToSeconds(firstSeen),
			timeToSeconds(lastSeen),
			timeToSeconds(lastHeard),
			string(metadata),
			timeToSeconds(now),
			timeToSeconds(now),
		)
	}
	if err != nil {
		return fmt.Errorf("storage: upsert node: %w", err)
	}
	d.metrics.IncNodeUpserts()

	if hasLiveMetric(n) {
		if err := d.appendHistory(n, now); err != nil {
			return err
		}
	}
	return nil
}

// hasLiveMetric reports whether the update carries at least one metric
// worth a time-series sample.
func hasLiveMetric(n *Node) bool {
	return n.RSSI != nil || n.BatteryLevel != nil || n.Latitude != nil || n.Hops != UnknownHops
}

func (d *DB) appendHistory(n *Node, at time.Time) error {
	var hops *int
	if n.Hops != UnknownHops {
		h := n.Hops
		hops = &h
	}
	_, err := d.db.Exec(`INSERT INTO node_history (
	        node_id, rssi, snr, battery_level,
	        latitude, longitude, altitude, hops, recorded_at
	    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID,
		nullInt(n.RSSI),
		nullFloat(n.SNR),
		nullInt(n.BatteryLevel),
		nullFloat(n.Latitude),
		nullFloat(n.Longitude),
		nullFloat(n.Altitude),
		nullInt(hops),
		timeToSeconds(at),
	)
	if err != nil {
		return fmt.Errorf("storage: insert history: %w", err)
	}
	d.metrics.IncHistorySamples()
	return nil
}

// Nodes returns all durable nodes, most recently seen first.
func (d *DB) Nodes() ([]Node, error) {
	rows, err := d.db.Query(nodeSelect + ` ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Node returns one durable node, or nil when unknown.
func (d *DB) Node(id string) (*Node, error) {
	rows, err := d.db.Query(nodeSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: query node: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	n, err := scanNode(rows)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

const nodeSelect = `SELECT
        id,
        COALESCE(long_name, ''),
        COALESCE(short_name, ''),
        COALESCE(hw_model, ''),
        COALESCE(role, ''),
        latitude, longitude, altitude,
        battery_level, voltage, rssi, snr,
        COALESCE(hops, -1),
        COALESCE(is_direct, 0),
        distance_km,
        position_updated_at, telemetry_updated_at,
        COALESCE(first_seen, 0),
        COALESCE(last_seen, 0),
        last_heard,
        COALESCE(metadata, '{}'),
        COALESCE(created_at, 0),
        COALESCE(updated_at, 0)
    FROM nodes`

func scanNode(rows *sql.Rows) (Node, error) {
	var (
		n                                  Node
		latitude, longitude, altitude      sql.NullFloat64
		battery                            sql.NullInt64
		voltage, snr, distance             sql.NullFloat64
		rssi                               sql.NullInt64
		positionUpdated, telemetryUpdated  sql.NullFloat64
		firstSeen, lastSeen                float64
		lastHeard, createdAt, updatedAt    sql.NullFloat64
		isDirect                           int64
		metadata                           string
	)

	if err := rows.Scan(
		&n.ID,
		&n.LongName,
		&n.ShortName,
		&n.HWModel,
		&n.Role,
		&latitude, &longitude, &altitude,
		&battery, &voltage, &rssi, &snr,
		&n.Hops,
		&isDirect,
		&distance,
		&positionUpdated, &telemetryUpdated,
		&firstSeen,
		&lastSeen,
		&lastHeard,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Node{}, fmt.Errorf("storage: scan node: %w", err)
	}

	n.Latitude = floatPtr(latitude)
	n.Longitude = floatPtr(longitude)
	n.Altitude = floatPtr(altitude)
	n.BatteryLevel = intPtr(battery)
	n.Voltage = floatPtr(voltage)
	n.RSSI = intPtr(rssi)
	n.SNR = floatPtr(snr)
	n.IsDirect = isDirect != 0
	n.DistanceKm = floatPtr(distance)
	n.PositionUpdatedAt = secondsToTimeNull(positionUpdated)
	n.TelemetryUpdatedAt = secondsToTimeNull(telemetryUpdated)
	n.FirstSeen = secondsToTime(firstSeen)
	n.LastSeen = secondsToTime(lastSeen)
	n.LastHeard = secondsToTimeNull(lastHeard)
	n.CreatedAt = secondsToTimeNull(createdAt)
	n.UpdatedAt = secondsToTimeNull(updatedAt)

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			n.Metadata = map[string]any{}
		}
	}

	return n, nil
}

// InsertMessage appends one message row.
func (d *DB) InsertMessage(m *Message) error {
	if m == nil {
		return errors.New("storage: message must be provided")
	}

	receivedAt := m.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = d.now()
	}

	res, err := d.db.Exec(`INSERT INTO messages (
	        from_node, to_node, channel, port_num, message_type,
	        text, encrypted, hop_count, hop_limit, rssi, snr,
	        packet_id, want_ack, via_relay, delayed, priority,
	        raw_data, received_at, created_at
	    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(m.FromNode),
		nullString(m.ToNode),
		m.Channel,
		m.PortNum,
		nullString(m.Type),
		nullString(m.Text),
		boolToInt(m.Encrypted),
		nullInt(m.HopCount),
		nullInt(m.HopLimit),
		nullInt(m.RSSI),
		nullFloat(m.SNR),
		nullString(m.PacketID),
		boolToInt(m.WantAck),
		boolToInt(m.ViaRelay),
		boolToInt(m.Delayed),
		nullInt(m.Priority),
		nullString(string(m.Raw)),
		timeToSeconds(receivedAt),
		timeToSeconds(d.now()),
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	d.metrics.IncMessagesStored()
	return nil
}

// Messages returns up to limit durable messages, newest first, optionally
// filtered by message type.
func (d *DB) Messages(limit int, msgType string) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT
	        id,
	        COALESCE(from_node, ''),
	        COALESCE(to_node, ''),
	        COALESCE(channel, 0),
	        COALESCE(port_num, 0),
	        COALESCE(message_type, ''),
	        COALESCE(text, ''),
	        COALESCE(encrypted, 0),
	        hop_count, hop_limit, rssi, snr,
	        COALESCE(packet_id, ''),
	        COALESCE(want_ack, 0),
	        COALESCE(via_relay, 0),
	        COALESCE(delayed, 0),
	        priority,
	        COALESCE(raw_data, ''),
	        received_at,
	        COALESCE(created_at, 0)
	    FROM messages`
	args := []any{}
	if msgType != "" {
		query += ` WHERE message_type = ?`
		args = append(args, msgType)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m                             Message
			encrypted, wantAck            int64
			viaRelay, delayed             int64
			hopCount, hopLimit, rssi      sql.NullInt64
			snr                           sql.NullFloat64
			priority                      sql.NullInt64
			raw                           string
			receivedAt, createdAt         float64
		)
		if err := rows.Scan(
			&m.ID, &m.FromNode, &m.ToNode, &m.Channel, &m.PortNum,
			&m.Type, &m.Text, &encrypted,
			&hopCount, &hopLimit, &rssi, &snr,
			&m.PacketID, &wantAck, &viaRelay, &delayed, &priority,
			&raw, &receivedAt, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Encrypted = encrypted != 0
		m.WantAck = wantAck != 0
		m.ViaRelay = viaRelay != 0
		m.Delayed = delayed != 0
		m.HopCount = intPtr(hopCount)
		m.HopLimit = intPtr(hopLimit)
		m.RSSI = intPtr(rssi)
		m.SNR = floatPtr(snr)
		m.Priority = intPtr(priority)
		if raw != "" {
			m.Raw = []byte(raw)
		}
		m.ReceivedAt = secondsToTime(receivedAt)
		m.CreatedAt = secondsToTime(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// NodeHistory returns history samples for a node within the last hours,
// newest first. A negative window is a caller bug.
func (d *DB) NodeHistory(nodeID string, hours int) ([]HistorySample, error) {
	if hours < 0 {
		return nil, fmt.Errorf("storage: negative history window %d", hours)
	}
	if hours == 0 {
		hours = 24
	}

	cutoff := d.now().Add(-time.Duration(hours) * time.Hour)
	rows, err := d.db.Query(`SELECT
	        id, node_id, rssi, snr, battery_level,
	        latitude, longitude, altitude, hops, recorded_at
	    FROM node_history
	    WHERE node_id = ? AND recorded_at > ?
	    ORDER BY recorded_at DESC`,
		nodeID, timeToSeconds(cutoff))
	if err != nil {
		return nil, fmt.Errorf("storage: query history: %w", err)
	}
	defer rows.Close()

	var samples []HistorySample
	for rows.Next() {
		var (
			s                             HistorySample
			rssi, battery, hops           sql.NullInt64
			snr                           sql.NullFloat64
			latitude, longitude, altitude sql.NullFloat64
			recordedAt                    float64
		)
		if err := rows.Scan(&s.ID, &s.NodeID, &rssi, &snr, &battery,
			&latitude, &longitude, &altitude, &hops, &recordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan history: %w", err)
		}
		s.RSSI = intPtr(rssi)
		s.SNR = floatPtr(snr)
		s.BatteryLevel = intPtr(battery)
		s.Latitude = floatPtr(latitude)
		s.Longitude = floatPtr(longitude)
		s.Altitude = floatPtr(altitude)
		s.Hops = intPtr(hops)
		s.RecordedAt = secondsToTime(recordedAt)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// PurgeOlderThan deletes messages and history rows older than the given
// number of days. Idempotent; returns counts deleted.
func (d *DB) PurgeOlderThan(days int) (messagesDeleted, historyDeleted int64, err error) {
	if days < 0 {
		return 0, 0, fmt.Errorf("storage: negative retention window %d", days)
	}

	cutoff := timeToSeconds(d.now().AddDate(0, 0, -days))

	res, err := d.db.Exec(`DELETE FROM messages WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: purge messages: %w", err)
	}
	messagesDeleted, _ = res.RowsAffected()

	res, err = d.db.Exec(`DELETE FROM node_history WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return messagesDeleted, 0, fmt.Errorf("storage: purge history: %w", err)
	}
	historyDeleted, _ = res.RowsAffected()

	d.metrics.AddRetentionDeleted("messages", messagesDeleted)
	d.metrics.AddRetentionDeleted("node_history", historyDeleted)

	d.logger.Info("retention sweep completed",
		slog.Int("days", days),
		slog.Int64("messages_deleted", messagesDeleted),
		slog.Int64("history_deleted", historyDeleted))

	return messagesDeleted, historyDeleted, nil
}

// Stats reports durable dataset totals.
func (d *DB) Stats() (Stats, error) {
	stats := Stats{MessageTypes: make(map[string]int)}

	if err := d.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&stats.TotalNodes); err != nil {
		return stats, fmt.Errorf("storage: count nodes: %w", err)
	}

	cutoff := timeToSeconds(d.now().Add(-24 * time.Hour))
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE last_seen > ?`, cutoff).Scan(&stats.ActiveNodes); err != nil {
		return stats, fmt.Errorf("storage: count active nodes: %w", err)
	}

	if err := d.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&stats.TotalMessages); err != nil {
		return stats, fmt.Errorf("storage: count messages: %w", err)
	}

	rows, err := d.db.Query(`SELECT COALESCE(message_type, ''), COUNT(*) FROM messages GROUP BY message_type`)
	if err != nil {
		return stats, fmt.Errorf("storage: count message types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgType string
		var count int
		if err := rows.Scan(&msgType, &count); err != nil {
			return stats, fmt.Errorf("storage: scan message type: %w", err)
		}
		stats.MessageTypes[msgType] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if info, err := os.Stat(d.path); err == nil {
		stats.DatabaseSizeMB = math.Round(float64(info.Size())/1024/1024*100) / 100
	}

	return stats, nil
}

func configureConnection(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("storage: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nodes (
	        id TEXT PRIMARY KEY,
	        long_name TEXT,
	        short_name TEXT,
	        hw_model TEXT,
	        role TEXT,
	        latitude REAL,
	        longitude REAL,
	        altitude REAL,
	        battery_level INTEGER,
	        voltage REAL,
	        rssi INTEGER,
	        snr REAL,
	        hops INTEGER DEFAULT -1,
	        is_direct INTEGER DEFAULT 0,
	        distance_km REAL,
	        position_updated_at REAL,
	        telemetry_updated_at REAL,
	        first_seen REAL NOT NULL,
	        last_seen REAL NOT NULL,
	        last_heard REAL,
	        metadata TEXT,
	        created_at REAL,
	        updated_at REAL
	    )`); err != nil {
		return fmt.Errorf("storage: migrate nodes: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen)`); err != nil {
		return fmt.Errorf("storage: index nodes last_seen: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
	        id INTEGER PRIMARY KEY AUTOINCREMENT,
	        from_node TEXT,
	        to_node TEXT,
	        channel INTEGER DEFAULT 0,
	        port_num INTEGER,
	        message_type TEXT,
	        text TEXT,
	        encrypted INTEGER DEFAULT 0,
	        hop_count INTEGER,
	        hop_limit INTEGER,
	        rssi INTEGER,
	        snr REAL,
	        packet_id TEXT,
	        want_ack INTEGER DEFAULT 0,
	        via_relay INTEGER DEFAULT 0,
	        delayed INTEGER DEFAULT 0,
	        priority INTEGER,
	        raw_data TEXT,
	        received_at REAL NOT NULL,
	        created_at REAL
	    )`); err != nil {
		return fmt.Errorf("storage: migrate messages: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_node)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(message_type)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: index messages: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS node_history (
	        id INTEGER PRIMARY KEY AUTOINCREMENT,
	        node_id TEXT NOT NULL,
	        rssi INTEGER,
	        snr REAL,
	        battery_level INTEGER,
	        latitude REAL,
	        longitude REAL,
	        altitude REAL,
	        hops INTEGER,
	        recorded_at REAL,
	        FOREIGN KEY (node_id) REFERENCES nodes(id)
	    )`); err != nil {
		return fmt.Errorf("storage: migrate node_history: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_history_node ON node_history(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_time ON node_history(recorded_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: index node_history: %w", err)
		}
	}

	return nil
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeToSeconds(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func secondsToTimeNull(v sql.NullFloat64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return secondsToTime(v.Float64)
}
