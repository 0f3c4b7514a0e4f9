package provider

import (
	"errors"
	"testing"
	"time"
)

type dispatchHarness struct {
	wp           *WasmcloudProvider
	health       chan commandEnvelope[HealthCheckRequest, HealthCheckResponse]
	shutdown     chan commandEnvelope[shutdownMessage, struct{}]
	linkPut      chan commandEnvelope[linkWithEncryptedSecrets, struct{}]
	linkDel      chan commandEnvelope[InterfaceLinkDefinition, struct{}]
	configUpdate chan commandEnvelope[map[string]string, struct{}]
	done         chan struct{}
}

// newDispatchHarness runs the dispatch loop against injected command queues.
func newDispatchHarness(t *testing.T, options ...ProviderHandler) *dispatchHarness {
	t.Helper()

	h := &dispatchHarness{
		health:       make(chan commandEnvelope[HealthCheckRequest, HealthCheckResponse], 1),
		shutdown:     make(chan commandEnvelope[shutdownMessage, struct{}], 1),
		linkPut:      make(chan commandEnvelope[linkWithEncryptedSecrets, struct{}], 1),
		linkDel:      make(chan commandEnvelope[InterfaceLinkDefinition, struct{}], 1),
		configUpdate: make(chan commandEnvelope[map[string]string, struct{}], 1),
		done:         make(chan struct{}),
	}

	logger := discardLogger()
	wp := &WasmcloudProvider{
		Id:         "provider-1",
		Logger:     logger,
		connection: testConnection(t, "provider-1"),
		quit:       newShutdownSignal(logger),
		commands: providerCommandReceivers{
			health:       h.health,
			shutdown:     h.shutdown,
			linkPut:      h.linkPut,
			linkDel:      h.linkDel,
			configUpdate: h.configUpdate,
		},
		healthFunc: func(HealthCheckRequest) (HealthCheckResponse, error) {
			return HealthCheckResponse{Healthy: true, Message: "healthy"}, nil
		},
		shutdownFunc:      func() error { return nil },
		configUpdateFunc:  func(map[string]string) error { return nil },
		putSourceLinkFunc: func(LinkConfig) error { return nil },
		putTargetLinkFunc: func(LinkConfig) error { return nil },
		delSourceLinkFunc: func(InterfaceLinkDefinition) error { return nil },
		delTargetLinkFunc: func(InterfaceLinkDefinition) error { return nil },
	}
	for _, opt := range options {
		if err := opt(wp); err != nil {
			t.Fatalf("Failed to apply option: %v", err)
		}
	}
	h.wp = wp

	go func() {
		wp.handleCommands()
		close(h.done)
	}()
	return h
}

// stop terminates the dispatch loop through the queue-closed fatal path.
func (h *dispatchHarness) stop(t *testing.T) {
	t.Helper()
	close(h.configUpdate)
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the dispatch loop to exit")
	}
}

func awaitAck(t *testing.T, reply chan struct{}) {
	t.Helper()
	select {
	case <-reply:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the command acknowledgment")
	}
}

func TestDispatchHealth(t *testing.T) {
	h := newDispatchHarness(t, HealthCheck(func(HealthCheckRequest) (HealthCheckResponse, error) {
		return HealthCheckResponse{Healthy: true, Message: "all good"}, nil
	}))
	defer h.stop(t)

	env := newCommandEnvelope[HealthCheckRequest, HealthCheckResponse](HealthCheckRequest{})
	h.health <- env

	select {
	case resp := <-env.reply:
		if !resp.Healthy || resp.Message != "all good" {
			t.Errorf("Unexpected health response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the health response")
	}
}

func TestDispatchHealthCallbackFatal(t *testing.T) {
	shutdowns := 0
	h := newDispatchHarness(t,
		HealthCheck(func(HealthCheckRequest) (HealthCheckResponse, error) {
			return HealthCheckResponse{}, errors.New("unhealthy")
		}),
		Shutdown(func() error {
			shutdowns++
			return nil
		}),
	)

	env := newCommandEnvelope[HealthCheckRequest, HealthCheckResponse](HealthCheckRequest{})
	h.health <- env

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("Expected a failed health callback to terminate the dispatch loop")
	}
	if shutdowns != 1 {
		t.Errorf("Expected exactly one shutdown callback, got %d", shutdowns)
	}
	select {
	case <-h.wp.quit.Wait():
	default:
		t.Error("Expected the shutdown signal to be broadcast")
	}
}

func TestDispatchShutdownCommand(t *testing.T) {
	shutdowns := 0
	h := newDispatchHarness(t, Shutdown(func() error {
		shutdowns++
		return nil
	}))

	env := newCommandEnvelope[shutdownMessage, struct{}](shutdownMessage{HostID: "host-1"})
	h.shutdown <- env
	awaitAck(t, env.reply)

	if shutdowns != 1 {
		t.Errorf("Expected exactly one shutdown callback, got %d", shutdowns)
	}
	h.stop(t)
}

func TestDispatchLinkPutIdempotent(t *testing.T) {
	attaches := 0
	h := newDispatchHarness(t, SourceLinkPut(func(config LinkConfig) error {
		attaches++
		if config.TargetID != "comp-1" || config.Config["bucket"] != "cache" {
			t.Errorf("Unexpected link config: %+v", config)
		}
		return nil
	}))
	defer h.stop(t)

	link := linkWithEncryptedSecrets{
		SourceID:     "provider-1",
		Target:       "comp-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
		Interfaces:   []string{"store"},
		SourceConfig: map[string]string{"bucket": "cache"},
	}

	for i := 0; i < 2; i++ {
		env := newCommandEnvelope[linkWithEncryptedSecrets, struct{}](link)
		h.linkPut <- env
		awaitAck(t, env.reply)
	}

	if attaches != 1 {
		t.Errorf("Expected exactly one attach callback for a duplicate link, got %d", attaches)
	}
	if !h.wp.connection.IsLinked("provider-1", "comp-1", "wasi", "keyvalue", "default") {
		t.Error("Expected the link to be registered")
	}
}

func TestDispatchLinkPutWrongRole(t *testing.T) {
	h := newDispatchHarness(t,
		SourceLinkPut(func(LinkConfig) error {
			t.Error("Source callback must not run for an unrelated link")
			return nil
		}),
		TargetLinkPut(func(LinkConfig) error {
			t.Error("Target callback must not run for an unrelated link")
			return nil
		}),
	)
	defer h.stop(t)

	env := newCommandEnvelope[linkWithEncryptedSecrets, struct{}](linkWithEncryptedSecrets{
		SourceID: "comp-a",
		Target:   "comp-b",
		Name:     "default",
	})
	h.linkPut <- env
	awaitAck(t, env.reply)

	if h.wp.connection.IsLinked("comp-a", "comp-b", "", "", "default") {
		t.Error("An unrelated link must not be registered")
	}
}

func TestDispatchLinkPutFailureAllowsRetry(t *testing.T) {
	attaches := 0
	h := newDispatchHarness(t, TargetLinkPut(func(LinkConfig) error {
		attaches++
		if attaches == 1 {
			return errors.New("downstream not ready")
		}
		return nil
	}))
	defer h.stop(t)

	link := linkWithEncryptedSecrets{
		SourceID:     "comp-1",
		Target:       "provider-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "http",
	}

	env := newCommandEnvelope[linkWithEncryptedSecrets, struct{}](link)
	h.linkPut <- env
	awaitAck(t, env.reply)

	// A failed attach leaves the registry unchanged, so the retry is not a duplicate
	if h.wp.connection.IsLinked("comp-1", "provider-1", "wasi", "http", "default") {
		t.Error("A failed attach must not register the link")
	}

	retry := newCommandEnvelope[linkWithEncryptedSecrets, struct{}](link)
	h.linkPut <- retry
	awaitAck(t, retry.reply)

	if attaches != 2 {
		t.Errorf("Expected the retry to invoke the callback again, got %d calls", attaches)
	}
	if !h.wp.connection.IsLinked("comp-1", "provider-1", "wasi", "http", "default") {
		t.Error("Expected the retried attach to register the link")
	}
}

func TestDispatchLinkPutUndecryptableSecrets(t *testing.T) {
	h := newDispatchHarness(t, SourceLinkPut(func(LinkConfig) error {
		t.Error("Attach callback must not run when secret resolution fails")
		return nil
	}))
	defer h.stop(t)

	env := newCommandEnvelope[linkWithEncryptedSecrets, struct{}](linkWithEncryptedSecrets{
		SourceID:      "provider-1",
		Target:        "comp-1",
		Name:          "default",
		SourceSecrets: []byte("not an encrypted payload"),
	})
	h.linkPut <- env
	awaitAck(t, env.reply)

	if h.wp.connection.IsLinked("provider-1", "comp-1", "", "", "default") {
		t.Error("A failed attach must leave the registry unchanged")
	}
}

func TestDispatchLinkDel(t *testing.T) {
	deletes := 0
	h := newDispatchHarness(t, SourceLinkDel(func(link InterfaceLinkDefinition) error {
		deletes++
		return errors.New("cleanup failed")
	}))
	defer h.stop(t)

	link := InterfaceLinkDefinition{
		SourceID:     "provider-1",
		Target:       "comp-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
	}
	h.wp.connection.putLink(link)

	env := newCommandEnvelope[InterfaceLinkDefinition, struct{}](link)
	h.linkDel <- env
	awaitAck(t, env.reply)

	if deletes != 1 {
		t.Errorf("Expected one delete callback, got %d", deletes)
	}
	// Callback errors are logged, not fatal; the link is removed regardless
	if h.wp.connection.IsLinked("provider-1", "comp-1", "wasi", "keyvalue", "default") {
		t.Error("Expected the link to be removed from the registry")
	}
}

func TestDispatchConfigUpdate(t *testing.T) {
	var got map[string]string
	h := newDispatchHarness(t, ConfigUpdate(func(config map[string]string) error {
		got = config
		return nil
	}))
	defer h.stop(t)

	env := newCommandEnvelope[map[string]string, struct{}](map[string]string{"log_level": "debug"})
	h.configUpdate <- env
	awaitAck(t, env.reply)

	if got["log_level"] != "debug" {
		t.Errorf("Unexpected config update: %v", got)
	}
}

func TestDispatchQueueClosedIsFatal(t *testing.T) {
	shutdowns := 0
	h := newDispatchHarness(t, Shutdown(func() error {
		shutdowns++
		return nil
	}))

	close(h.linkPut)

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("Expected a closed command queue to terminate the dispatch loop")
	}
	if shutdowns != 1 {
		t.Errorf("Expected exactly one defensive shutdown callback, got %d", shutdowns)
	}
	select {
	case <-h.wp.quit.Wait():
	default:
		t.Error("Expected the shutdown signal to be broadcast")
	}
}
