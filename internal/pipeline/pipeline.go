package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/mqtt"
	"meshmon/internal/observability"
	"meshmon/internal/storage"
)

// Source abstracts the transport the pipeline consumes from.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// Pipeline wires the transport to the decoder, hop estimator and store.
type Pipeline struct {
	source    Source
	decoder   decode.Decoder
	estimator *hop.Estimator
	store     *storage.Store

	logger  *slog.Logger
	metrics *observability.Metrics

	retentionDays     int
	retentionInterval time.Duration

	errCh chan error
	wg    sync.WaitGroup
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithRetention enables the periodic sweep of aged messages and history
// rows. Days <= 0 disables the sweep.
func WithRetention(days int, interval time.Duration) Option {
	return func(p *Pipeline) {
		p.retentionDays = days
		if interval > 0 {
			p.retentionInterval = interval
		}
	}
}

// New creates a pipeline instance.
func New(source Source, decoder decode.Decoder, estimator *hop.Estimator, store *storage.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:            source,
		decoder:           decoder,
		estimator:         estimator,
		store:             store,
		logger:            slog.Default(),
		retentionInterval: 6 * time.Hour,
		errCh:             make(chan error, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Errors exposes asynchronous processing errors.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Run starts the pipeline and blocks until the context is cancelled or
// the source stops.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil {
		return fmt.Errorf("pipeline: source is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("pipeline: decoder is nil")
	}
	if p.estimator == nil {
		return fmt.Errorf("pipeline: estimator is nil")
	}
	if p.store == nil {
		return fmt.Errorf("pipeline: store is nil")
	}

	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start source: %w", err)
	}

	p.wg.Add(2)
	go p.consume(ctx)
	go p.forwardSourceErrors(ctx)
	if p.retentionDays > 0 {
		p.wg.Add(1)
		go p.sweepRetention(ctx)
	}

	<-ctx.Done()
	p.source.Stop()
	p.wg.Wait()
	close(p.errCh)

	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.source.Messages():
			if !ok {
				return
			}
			p.metrics.ObserveIngestQueueDepth(len(p.source.Messages()))
			pkt, err := p.decoder.Decode(ctx, msg)
			if err != nil {
				p.metrics.IncDecodeErrors()
				p.publishErr(fmt.Errorf("pipeline: decode: %w", err))
				continue
			}
			p.metrics.IncPacketsIngested()
			p.process(pkt)
		}
	}
}

func (p *Pipeline) process(pkt decode.Packet) {
	Apply(pkt, p.estimator, p.store)
}

// Apply runs one packet through the estimator, merges the node update
// and records the message. Store failures stay inside the store; the
// ingest path never blocks on them.
func Apply(pkt decode.Packet, estimator *hop.Estimator, store *storage.Store) {
	rec := estimator.Estimate(pkt.From, hop.Fields{
		HopLimit: pkt.HopLimit,
		HopStart: pkt.HopStart,
		RSSI:     pkt.RSSI,
		SNR:      pkt.SNR,
		ViaRelay: pkt.ViaRelay,
		Channel:  pkt.Channel,
	})

	update := storage.NodeUpdate{
		RSSI:      pkt.RSSI,
		SNR:       pkt.SNR,
		Hops:      &rec.Hops,
		LastHeard: &pkt.ReceivedAt,
	}

	switch pkt.Type {
	case decode.MessagePosition:
		if pkt.Position != nil && pkt.Position.Latitude != nil && pkt.Position.Longitude != nil {
			update.Position = &storage.Position{
				Latitude:  *pkt.Position.Latitude,
				Longitude: *pkt.Position.Longitude,
				Altitude:  pkt.Position.Altitude,
			}
		}
	case decode.MessageNodeInfo:
		if pkt.NodeInfo != nil {
			if pkt.NodeInfo.LongName != "" {
				update.LongName = &pkt.NodeInfo.LongName
			}
			if pkt.NodeInfo.ShortName != "" {
				update.ShortName = &pkt.NodeInfo.ShortName
			}
			if pkt.NodeInfo.HWModel != "" {
				update.HWModel = &pkt.NodeInfo.HWModel
			}
			if pkt.NodeInfo.Role != "" {
				update.Role = &pkt.NodeInfo.Role
			}
		}
	case decode.MessageTelemetry:
		if pkt.Telemetry != nil {
			update.Telemetry = &storage.Telemetry{
				BatteryLevel:       pkt.Telemetry.BatteryLevel,
				Voltage:            pkt.Telemetry.Voltage,
				Temperature:        pkt.Telemetry.Temperature,
				Humidity:           pkt.Telemetry.Humidity,
				Pressure:           pkt.Telemetry.Pressure,
				ChannelUtilization: pkt.Telemetry.ChannelUtilization,
				AirUtilTx:          pkt.Telemetry.AirUtilTx,
			}
		}
	}

	store.UpsertNode(rec.NodeID, update)
	store.AddMessage(messageFromPacket(pkt, rec))
}

func messageFromPacket(pkt decode.Packet, rec hop.Record) storage.Message {
	m := storage.Message{
		FromNode:   rec.NodeID,
		ToNode:     pkt.To,
		Channel:    pkt.Channel,
		PortNum:    pkt.PortNum,
		Type:       string(pkt.Type),
		Encrypted:  pkt.Encrypted,
		HopLimit:   pkt.HopLimit,
		RSSI:       pkt.RSSI,
		SNR:        pkt.SNR,
		PacketID:   pkt.PacketID,
		WantAck:    pkt.WantAck,
		ViaRelay:   pkt.ViaRelay,
		Delayed:    pkt.Delayed,
		Priority:   pkt.Priority,
		Raw:        pkt.Raw,
		ReceivedAt: pkt.ReceivedAt,
	}
	if rec.Hops != hop.UnknownHops {
		hops := rec.Hops
		m.HopCount = &hops
	}
	if pkt.Text != nil {
		m.Text = pkt.Text.Text
	}
	return m
}

func (p *Pipeline) forwardSourceErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.source.Errors():
			if !ok {
				return
			}
			p.publishErr(fmt.Errorf("pipeline: source: %w", err))
		}
	}
}

func (p *Pipeline) sweepRetention(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, history, err := p.store.PurgeOlderThan(p.retentionDays)
			if err != nil {
				p.publishErr(fmt.Errorf("pipeline: retention sweep: %w", err))
				continue
			}
			if messages > 0 || history > 0 {
				p.logger.Info("retention sweep",
					slog.Int64("messages_deleted", messages),
					slog.Int64("history_deleted", history))
			}
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	p.metrics.IncPipelineErrors()
	select {
	case p.errCh <- err:
	default:
	}
}
