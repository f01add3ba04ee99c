package pipeline_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/mqtt"
	"meshmon/internal/pipeline"
	"meshmon/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.NewStore(db, storage.StoreConfig{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPipelineProcessesMessages(t *testing.T) {
	client := newStubSource()
	decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{})
	estimator := hop.New(hop.Config{})
	store := newTestStore(t)
	p := pipeline.New(client, decoder, estimator, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := p.Run(ctx); err != nil {
			t.Errorf("pipeline run error: %v", err)
		}
		close(done)
	}()

	<-client.started

	payload := []byte(`{"type":"text","from":"!a1b2c3d4","text":"hello mesh","hopLimit":5,"hopStart":7,"rssi":-92}`)
	client.messages <- mqtt.Message{Topic: "msh/test", Payload: payload, Time: time.Now()}

	waitFor(t, func() error {
		if len(store.Messages(10, "")) == 0 {
			return errors.New("message not stored yet")
		}
		return nil
	})

	node, ok := store.Node("a1b2c3d4")
	if !ok {
		t.Fatal("node not created")
	}
	if node.Hops != 2 {
		t.Errorf("hops = %d, want 2", node.Hops)
	}
	if node.RSSI == nil || *node.RSSI != -92 {
		t.Errorf("rssi = %v, want -92", node.RSSI)
	}

	msgs := store.Messages(10, "text")
	if len(msgs) != 1 || msgs[0].Text != "hello mesh" {
		t.Fatalf("messages = %+v, want single text message", msgs)
	}
	if msgs[0].HopCount == nil || *msgs[0].HopCount != 2 {
		t.Errorf("message hop count = %v, want 2", msgs[0].HopCount)
	}

	cancel()
	client.closeChannels()
	<-done
}

func TestPipelineForwardsDecodeErrors(t *testing.T) {
	client := newStubSource()
	decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{})
	estimator := hop.New(hop.Config{})
	store := newTestStore(t)
	p := pipeline.New(client, decoder, estimator, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := p.Run(ctx); err != nil {
			t.Errorf("pipeline run error: %v", err)
		}
		close(done)
	}()

	<-client.started

	client.messages <- mqtt.Message{Topic: "msh/test", Payload: []byte("{not json")}

	select {
	case err := <-p.Errors():
		if err == nil {
			t.Fatal("expected decode error")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected error to be forwarded")
	}

	if len(store.Messages(10, "")) != 0 {
		t.Error("malformed payload must not be stored")
	}

	cancel()
	client.closeChannels()
	<-done
}

func TestPipelineForwardsSourceErrors(t *testing.T) {
	client := newStubSource()
	decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{})
	estimator := hop.New(hop.Config{})
	store := newTestStore(t)
	p := pipeline.New(client, decoder, estimator, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := p.Run(ctx); err != nil {
			t.Errorf("pipeline run error: %v", err)
		}
		close(done)
	}()

	<-client.started

	client.errs <- errors.New("broker failure")

	select {
	case err := <-p.Errors():
		if err == nil || err.Error() == "" {
			t.Fatalf("expected forwarded error, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected error to be forwarded")
	}

	cancel()
	client.closeChannels()
	<-done
}

func waitFor(t *testing.T, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := fn()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- test doubles ---

type stubSource struct {
	messages chan mqtt.Message
	errs     chan error
	started  chan struct{}
	stopOnce sync.Once
}

func newStubSource() *stubSource {
	return &stubSource{
		messages: make(chan mqtt.Message, 2),
		errs:     make(chan error, 1),
		started:  make(chan struct{}),
	}
}

func (s *stubSource) Start(context.Context) error {
	closeChan(s.started)
	return nil
}

func (s *stubSource) Stop() {
	s.closeChannels()
}

func (s *stubSource) closeChannels() {
	s.stopOnce.Do(func() {
		closeChan(s.messages)
		closeChan(s.errs)
	})
}

func (s *stubSource) Messages() <-chan mqtt.Message { return s.messages }
func (s *stubSource) Errors() <-chan error          { return s.errs }

func closeChan[T any](ch chan T) {
	defer func() { _ = recover() }()
	close(ch)
}
