package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/mqtt"
	"meshmon/internal/storage"
)

// End to end: JSON envelopes in, merged node state and durable rows out.
func TestPipelineAppliesPacketsByType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "telemetry.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store, err := storage.NewStore(db, storage.StoreConfig{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.SetSelfPosition(52.52, 13.405)

	decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{StoreRaw: true})
	estimator := hop.New(hop.Config{})

	client := newIntegrationStubSource()
	pipe := New(client, decoder, estimator, store)

	errCh := make(chan error, 1)
	go func() {
		if err := pipe.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	<-client.started

	envelopes := []string{
		`{"type":"nodeinfo","from":"!a1b2c3d4","longName":"Summit Relay","shortName":"SR","hwModel":"HELTEC_V3","role":"ROUTER","hopLimit":3,"hopStart":3}`,
		`{"type":"position","from":"!a1b2c3d4","latitude":48.8566,"longitude":2.3522,"hopLimit":3,"hopStart":3,"rssi":-70,"snr":9.5}`,
		`{"type":"telemetry","from":"!a1b2c3d4","batteryLevel":88,"voltage":4.02,"temperature":19.5,"hopLimit":2,"hopStart":3}`,
		`{"type":"text","from":"!ffeeddcc","text":"anyone copy?","hopLimit":1,"hopStart":3,"rssi":-110}`,
	}
	for _, env := range envelopes {
		client.messages <- mqtt.Message{Topic: "msh/eu/2/json", Payload: []byte(env), Time: time.Now()}
	}

	waitForCond(t, func() bool {
		return len(store.Messages(10, "")) == len(envelopes)
	})

	relay, ok := store.Node("a1b2c3d4")
	if !ok {
		t.Fatal("relay node missing")
	}
	if relay.LongName != "Summit Relay" || relay.ShortName != "SR" {
		t.Errorf("node info not merged: %+v", relay)
	}
	if relay.Latitude == nil || *relay.Latitude != 48.8566 {
		t.Errorf("position not merged: %v", relay.Latitude)
	}
	if relay.DistanceKm == nil || *relay.DistanceKm < 870 || *relay.DistanceKm > 890 {
		t.Errorf("distance = %v, want roughly 878", relay.DistanceKm)
	}
	if relay.BatteryLevel == nil || *relay.BatteryLevel != 88 {
		t.Errorf("battery not merged: %v", relay.BatteryLevel)
	}
	if temp, ok := relay.Metadata["temperature"].(float64); !ok || temp != 19.5 {
		t.Errorf("temperature metadata = %v, want 19.5", relay.Metadata["temperature"])
	}
	// The telemetry packet travelled one hop, so the cached node is no
	// longer direct, but the estimator remembers the direct minimum.
	if relay.Hops != 1 || relay.IsDirect {
		t.Errorf("relay hops = %d direct = %v, want 1/false", relay.Hops, relay.IsDirect)
	}
	state, ok := estimator.Node("a1b2c3d4")
	if !ok {
		t.Fatal("estimator lost the relay node")
	}
	if state.MinHops != 0 || state.MaxHops != 1 {
		t.Errorf("estimator min/max = %d/%d, want 0/1", state.MinHops, state.MaxHops)
	}

	texter, ok := store.Node("ffeeddcc")
	if !ok {
		t.Fatal("text sender missing")
	}
	if texter.Hops != 2 {
		t.Errorf("texter hops = %d, want 2", texter.Hops)
	}

	// Node order by proximity: direct relay first.
	nodes := store.Nodes(storage.SortProximity)
	if len(nodes) != 2 || nodes[0].ID != "a1b2c3d4" {
		t.Fatalf("proximity order wrong: %+v", nodes)
	}

	cancel()
	<-errCh

	// Durable side survived the fan-out.
	persisted, err := db.Messages(10, "")
	if err != nil {
		t.Fatalf("durable messages: %v", err)
	}
	if len(persisted) != len(envelopes) {
		t.Fatalf("durable messages = %d, want %d", len(persisted), len(envelopes))
	}
	history, err := db.NodeHistory("a1b2c3d4", 24)
	if err != nil {
		t.Fatalf("node history: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected history samples for instrumented node")
	}
}

func waitForCond(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type integrationStubSource struct {
	messages chan mqtt.Message
	errs     chan error
	started  chan struct{}
	stopOnce sync.Once
}

func newIntegrationStubSource() *integrationStubSource {
	return &integrationStubSource{
		messages: make(chan mqtt.Message, 8),
		errs:     make(chan error, 1),
		started:  make(chan struct{}),
	}
}

func (s *integrationStubSource) Start(context.Context) error {
	close(s.started)
	return nil
}

func (s *integrationStubSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.messages)
		close(s.errs)
	})
}

func (s *integrationStubSource) Messages() <-chan mqtt.Message { return s.messages }
func (s *integrationStubSource) Errors() <-chan error          { return s.errs }
