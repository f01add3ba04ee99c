// Package api exposes the cached mesh state over a small JSON HTTP
// surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"meshmon/internal/hop"
	"meshmon/internal/storage"
)

const maxRequestBodySize = 1 << 20

// Deps carries the handler dependencies.
type Deps struct {
	Store     *storage.Store
	Estimator *hop.Estimator
	Logger    *slog.Logger
}

// NewHandler builds the HTTP routing tree.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", handleListNodes(deps))
		r.Get("/nodes/{id}", handleGetNode(deps))
		r.Get("/nodes/{id}/history", handleNodeHistory(deps))
		r.Get("/messages", handleListMessages(deps))
		r.Get("/hops", handleHopSummary(deps))
		r.Post("/hops/reset", handleHopReset(deps))
		r.Get("/stats", handleStats(deps))
		r.Post("/purge", handlePurge(deps))
	})

	return r
}

type nodeView struct {
	ID                 string         `json:"id"`
	LongName           string         `json:"long_name,omitempty"`
	ShortName          string         `json:"short_name,omitempty"`
	HWModel            string         `json:"hw_model,omitempty"`
	Role               string         `json:"role,omitempty"`
	Latitude           *float64       `json:"latitude,omitempty"`
	Longitude          *float64       `json:"longitude,omitempty"`
	Altitude           *float64       `json:"altitude,omitempty"`
	BatteryLevel       *int           `json:"battery_level,omitempty"`
	Voltage            *float64       `json:"voltage,omitempty"`
	RSSI               *int           `json:"rssi,omitempty"`
	SNR                *float64       `json:"snr,omitempty"`
	Hops               int            `json:"hops"`
	IsDirect           bool           `json:"is_direct"`
	DistanceKm         *float64       `json:"distance_km,omitempty"`
	FirstSeen          time.Time      `json:"first_seen"`
	LastSeen           time.Time      `json:"last_seen"`
	PositionUpdatedAt  *time.Time     `json:"position_updated_at,omitempty"`
	TelemetryUpdatedAt *time.Time     `json:"telemetry_updated_at,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

func nodeToView(n storage.Node) nodeView {
	v := nodeView{
		ID:           n.ID,
		LongName:     n.LongName,
		ShortName:    n.ShortName,
		HWModel:      n.HWModel,
		Role:         n.Role,
		Latitude:     n.Latitude,
		Longitude:    n.Longitude,
		Altitude:     n.Altitude,
		BatteryLevel: n.BatteryLevel,
		Voltage:      n.Voltage,
		RSSI:         n.RSSI,
		SNR:          n.SNR,
		Hops:         n.Hops,
		IsDirect:     n.IsDirect,
		DistanceKm:   n.DistanceKm,
		FirstSeen:    n.FirstSeen,
		LastSeen:     n.LastSeen,
		Metadata:     n.Metadata,
	}
	if !n.PositionUpdatedAt.IsZero() {
		t := n.PositionUpdatedAt
		v.PositionUpdatedAt = &t
	}
	if !n.TelemetryUpdatedAt.IsZero() {
		t := n.TelemetryUpdatedAt
		v.TelemetryUpdatedAt = &t
	}
	return v
}

type messageView struct {
	ID         int64     `json:"id"`
	FromNode   string    `json:"from_node"`
	ToNode     string    `json:"to_node,omitempty"`
	Channel    int       `json:"channel"`
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
	Encrypted  bool      `json:"encrypted,omitempty"`
	HopCount   *int      `json:"hop_count,omitempty"`
	RSSI       *int      `json:"rssi,omitempty"`
	SNR        *float64  `json:"snr,omitempty"`
	PacketID   string    `json:"packet_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func messageToView(m storage.Message) messageView {
	return messageView{
		ID:         m.ID,
		FromNode:   m.FromNode,
		ToNode:     m.ToNode,
		Channel:    m.Channel,
		Type:       m.Type,
		Text:       m.Text,
		Encrypted:  m.Encrypted,
		HopCount:   m.HopCount,
		RSSI:       m.RSSI,
		SNR:        m.SNR,
		PacketID:   m.PacketID,
		ReceivedAt: m.ReceivedAt,
	}
}

type historyView struct {
	RSSI         *int      `json:"rssi,omitempty"`
	SNR          *float64  `json:"snr,omitempty"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Altitude     *float64  `json:"altitude,omitempty"`
	Hops         *int      `json:"hops,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func handleListNodes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := storage.SortRecency
		if r.URL.Query().Get("sort") == "proximity" {
			mode = storage.SortProximity
		}

		nodes := deps.Store.Nodes(mode)
		views := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			views = append(views, nodeToView(n))
		}

		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetNode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		node, ok := deps.Store.Node(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "node %s not found", id)
			return
		}

		writeJSON(w, http.StatusOK, nodeToView(node))
	}
}

func handleNodeHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		hours := parseIntParam(r, "hours", 24, 24*30)

		samples, err := deps.Store.NodeHistory(id, hours)
		if err != nil {
			deps.Logger.Error("node history query failed",
				slog.String("node_id", id),
				slog.Any("error", err))
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history")
			return
		}

		views := make([]historyView, 0, len(samples))
		for _, s := range samples {
			views = append(views, historyView{
				RSSI:         s.RSSI,
				SNR:          s.SNR,
				BatteryLevel: s.BatteryLevel,
				Latitude:     s.Latitude,
				Longitude:    s.Longitude,
				Altitude:     s.Altitude,
				Hops:         s.Hops,
				RecordedAt:   s.RecordedAt,
			})
		}

		writeJSON(w, http.StatusOK, views)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)
		msgType := r.URL.Query().Get("type")

		messages := deps.Store.Messages(limit, msgType)
		views := make([]messageView, 0, len(messages))
		for _, m := range messages {
			views = append(views, messageToView(m))
		}

		writeJSON(w, http.StatusOK, views)
	}
}

func handleHopSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Estimator.Summary())
	}
}

type hopResetRequest struct {
	NodeID string `json:"node_id"`
}

func handleHopReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req hopResetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.NodeID != "" {
			if !deps.Estimator.Reset(req.NodeID) {
				httpError(w, http.StatusNotFound, "not_found", "node %s not tracked", req.NodeID)
				return
			}
			deps.Logger.Info("hop state reset", slog.String("node_id", req.NodeID))
			writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "node_id": req.NodeID})
			return
		}

		n := deps.Estimator.ResetAll()
		deps.Logger.Info("hop estimator reset", slog.Int("nodes", n))
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Store.Stats())
	}
}

type purgeRequest struct {
	Days int `json:"days"`
}

func handlePurge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req purgeRequest
		if s := r.URL.Query().Get("days"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid days parameter: %v", err)
				return
			}
			req.Days = v
		} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Days <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be positive")
			return
		}

		messages, history, err := deps.Store.PurgeOlderThan(req.Days)
		if err != nil {
			deps.Logger.Error("purge failed", slog.Any("error", err))
			httpError(w, http.StatusInternalServerError, "api_error", "purge failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]int64{
			"messages_deleted": messages,
			"history_deleted":  history,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, kind, format string, args ...any) {
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": fmt.Sprintf(format, args...),
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
