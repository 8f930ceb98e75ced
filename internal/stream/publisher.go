// Package stream serves simulator state to remote clients over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose messages
// are google.protobuf.Struct values, so clients need no generated stubs:
//   - StreamState: server stream of frames (chassis and localization)
//   - SetTrajectory: unary trajectory intake
//   - SetEnabled: unary enable/disable
package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/sim-control/internal/config"
	"github.com/banshee-data/sim-control/internal/monitoring"
	"github.com/banshee-data/sim-control/internal/vehicle"
)

var logf = monitoring.Logger("Stream")

// Config holds configuration for the stream gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return ConfigFromSim(config.DefaultSimConfig())
}

// ConfigFromSim builds a Config from a loaded SimConfig.
func ConfigFromSim(cfg *config.SimConfig) Config {
	return Config{
		ListenAddr: cfg.GetGRPCAddr(),
		MaxClients: cfg.GetMaxStreamClients(),
	}
}

// FrameSource is an in-process frame feed such as statebus.Bus.
type FrameSource interface {
	Subscribe() (string, <-chan vehicle.Frame)
	Unsubscribe(id string)
}

// Publisher manages the gRPC server and frame broadcasting.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan vehicle.Frame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	frameCount     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id      string
	request StreamRequest
	frameCh chan vehicle.Frame
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan vehicle.Frame, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start binds ListenAddr and serves srv.
func (p *Publisher) Start(srv *Server) error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.StartOn(lis, srv)
}

// StartOn serves srv on an existing listener.
func (p *Publisher) StartOn(lis net.Listener, srv *Server) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterService(p.server, srv)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server. Open streams are ended first so
// GracefulStop does not wait on them.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	logf("gRPC server stopped")
}

// Publish queues a frame for all connected clients. It implements
// simcontrol.Publisher and never blocks.
func (p *Publisher) Publish(frame vehicle.Frame) {
	if !p.running.Load() {
		return
	}

	queueDepth := len(p.frameChan)
	select {
	case p.frameChan <- frame:
		count := p.frameCount.Add(1)
		p.logPeriodicStats(count, queueDepth)
	default:
		dropped := p.droppedFrames.Add(1)
		logf("DROPPED frame seq=%d (total dropped: %d), channel full",
			frame.Chassis.Header.SequenceNum, dropped)
	}
}

// Forward publishes every frame from src until ctx is done or src closes
// the subscription.
func (p *Publisher) Forward(ctx context.Context, src FrameSource) {
	id, frames := src.Subscribe()
	defer src.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			p.Publish(f)
		}
	}
}

// logPeriodicStats logs throughput every 5 seconds.
func (p *Publisher) logPeriodicStats(frameCount uint64, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= 5*time.Second {
		framesInInterval := frameCount - p.lastFrameCount
		fps := float64(framesInInterval) / elapsed.Seconds()
		logf("Stats: fps=%.1f frames=%d dropped=%d clients=%d queue=%d/100",
			fps, framesInInterval, p.droppedFrames.Load(), p.clientCount.Load(), queueDepth)
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
	}
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			p.clientsMu.Lock()
			for id, client := range p.clients {
				close(client.frameCh)
				delete(p.clients, id)
			}
			p.clientsMu.Unlock()
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					// Client is slow; drop the frame for this client only.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a streaming client, or returns false when MaxClients
// are already connected or the publisher is stopping.
func (p *Publisher) addClient(id string, req StreamRequest) (*clientStream, bool) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() || len(p.clients) >= p.config.MaxClients {
		return nil, false
	}
	client := &clientStream{
		id:      id,
		request: req,
		frameCh: make(chan vehicle.Frame, 10),
	}
	p.clients[id] = client
	n := p.clientCount.Add(1)
	logf("Client connected: %s (total: %d)", id, n)
	return client, true
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if client, ok := p.clients[id]; ok {
		close(client.frameCh)
		delete(p.clients, id)
	}
	n := p.clientCount.Add(-1)
	logf("Client disconnected: %s (remaining: %d)", id, n)
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64
	DroppedFrames uint64
	ClientCount   int32
	Running       bool
}

// GRPCServer returns the underlying gRPC server.
func (p *Publisher) GRPCServer() *grpc.Server {
	return p.server
}
