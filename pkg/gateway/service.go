// Package gateway supervises the chat adapters around a running bot.Runtime
// and serves the status endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cogbot/pkg/bot"
	"cogbot/pkg/bus"
	"cogbot/pkg/channel"
	"cogbot/pkg/config"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
	shutdownTimeout   = 10 * time.Second
	eventBuffer       = 64
)

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	runtime  *bot.Runtime
	bus      *bus.MessageBus
	channels []channel.Adapter
	gatherer prometheus.Gatherer

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	commands      commandCounts
	lastEvent     *bus.Event
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type commandCounts struct {
	Received  uint64 `json:"received"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type bridgeStatus struct {
	Persisting bool   `json:"persisting"`
	Persisted  uint64 `json:"persisted"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
}

type statusResponse struct {
	Status         string                  `json:"status"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	Runtime        string                  `json:"runtime"`
	StoreAvailable bool                    `json:"store_available"`
	LogBridge      *bridgeStatus           `json:"log_bridge,omitempty"`
	LoadErrors     []string                `json:"load_errors,omitempty"`
	Channels       map[string]channelState `json:"channels"`
	Commands       commandCounts           `json:"commands"`
	LastEvent      *bus.Event              `json:"last_event,omitempty"`
}

// Option customizes a Service.
type Option func(*Service)

// WithGatherer serves /metrics from gatherer instead of the default registry.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Service) {
		if gatherer != nil {
			s.gatherer = gatherer
		}
	}
}

// NewService wires adapters to runtime through messageBus. The runtime must
// share messageBus and should already be started.
func NewService(cfg *config.Config, runtime *bot.Runtime, messageBus *bus.MessageBus, adapters []channel.Adapter, log *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if messageBus == nil {
		return nil, errors.New("message bus is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	s := &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		runtime:       runtime,
		bus:           messageBus,
		channels:      adapters,
		gatherer:      prometheus.DefaultGatherer,
		channelStates: channelStates,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run starts the status server, the outbound pump, every adapter, and the
// runtime's inbound loop. It returns when ctx is cancelled or any of them
// fails, after closing the runtime.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := s.bus.SubscribeEvents(runCtx, eventBuffer)
	defer unsubscribe()
	go s.trackEvents(events)

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpOutbound(runCtx)
	}()

	errCh := make(chan error, len(s.channels)+1)
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(runCtx, s.bus)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	go func() {
		if err := s.runtime.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("run runtime: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	if runErr != nil {
		s.log.Error("Gateway stopping", "error", runErr)
	}

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer closeCancel()
	if err := s.runtime.Close(closeCtx); err != nil {
		s.log.Error("Runtime close failed", "error", err)
	}

	cancel()
	<-pumpDone

	return runErr
}

// pumpOutbound delivers outbound messages to the adapter named by their
// channel, one at a time, so replies to one chat keep their order.
func (s *Service) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := s.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		adapter := s.adapterFor(msg.Channel)
		if adapter == nil {
			s.log.Warn("No adapter for outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		if err := adapter.Send(ctx, msg); err != nil {
			s.log.Error("Failed to send outbound message",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"kind", msg.Kind,
				"request_id", msg.RequestID,
				"error", err,
			)
		}
	}
}

// trackEvents folds runtime events into the status counters until events
// is closed.
func (s *Service) trackEvents(events <-chan bus.Event) {
	for event := range events {
		s.recordEvent(event)
	}
}

func (s *Service) recordEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case bus.EventCommandReceived:
		s.commands.Received++
	case bus.EventCommandCompleted:
		s.commands.Completed++
	case bus.EventCommandFailed:
		s.commands.Failed++
	}
	s.lastEvent = &event
}

func (s *Service) adapterFor(name string) channel.Adapter {
	for _, adapter := range s.channels {
		if adapter.Name() == name {
			return adapter
		}
	}
	return nil
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	response := statusResponse{
		Status:         status,
		Runtime:        s.runtime.State().String(),
		StoreAvailable: s.runtime.Store() != nil,
	}

	if bridge := s.runtime.Bridge(); bridge != nil {
		stats := bridge.Stats()
		response.LogBridge = &bridgeStatus{
			Persisting: bridge.Persisting(),
			Persisted:  stats.Persisted,
			Dropped:    stats.Dropped,
			Failed:     stats.Failed,
		}
	}

	for _, loadErr := range s.runtime.LoadErrors() {
		response.LoadErrors = append(response.LoadErrors, loadErr.Error())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.startedAt.IsZero() {
		response.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}

	response.Channels = make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		response.Channels[name] = state
	}

	response.Commands = s.commands
	if s.lastEvent != nil {
		last := *s.lastEvent
		response.LastEvent = &last
	}

	return response
}

func (s *Service) isReady() bool {
	if s.runtime == nil || s.runtime.State() != bot.Ready {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

// LatencyOf returns a latency source backed by the first adapter that
// measures one. It reports zero when none does.
func LatencyOf(adapters []channel.Adapter) func() time.Duration {
	for _, adapter := range adapters {
		if reporter, ok := adapter.(channel.LatencyReporter); ok {
			return reporter.Latency
		}
	}
	return func() time.Duration { return 0 }
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
