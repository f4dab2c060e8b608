package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/client"
	"github.com/falconscript/proxyratemanager/internal/ratestore"
)

type fakeGateway struct {
	isChanging    bool
	isRestarting  bool
	observedCalls int
	lastIP        string
}

func (f *fakeGateway) IsChanging() bool   { return f.isChanging }
func (f *fakeGateway) IsRestarting() bool { return f.isRestarting }
func (f *fakeGateway) OnObservedIPChange(ctx context.Context, c *circuit.Circuit, newIP string) error {
	f.observedCalls++
	f.lastIP = newIP
	return nil
}

func newHTTPProxyCircuit(t *testing.T, body string) (*circuit.Circuit, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	proxyURL, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	host := proxyURL.Hostname()
	port, err := strconv.Atoi(proxyURL.Port())
	if err != nil {
		t.Fatalf("failed to parse test server port: %v", err)
	}

	c := circuit.New(circuit.Definition{Host: host, Port: port, Scheme: circuit.SchemeHTTP})
	return c, srv.Close
}

func TestTickReportsFirstObservedIP(t *testing.T) {
	c, closeSrv := newHTTPProxyCircuit(t, "ip: 203.0.113.9")
	defer closeSrv()

	gw := &fakeGateway{}
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	p.tick(context.Background())

	if gw.observedCalls != 1 {
		t.Fatalf("expected the first successful poll to report an observed change, got %d calls", gw.observedCalls)
	}
	if gw.lastIP != "203.0.113.9" {
		t.Errorf("lastIP = %q, want 203.0.113.9", gw.lastIP)
	}
}

func TestTickDoesNotReportWhenIPUnchanged(t *testing.T) {
	c, closeSrv := newHTTPProxyCircuit(t, "ip: 203.0.113.9")
	defer closeSrv()
	c.SetActiveExitIP("203.0.113.9")

	gw := &fakeGateway{}
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	p.tick(context.Background())

	if gw.observedCalls != 0 {
		t.Errorf("expected no report when the observed IP matches the known one, got %d calls", gw.observedCalls)
	}
}

func TestTickHealsOnSuccessfulProbe(t *testing.T) {
	c, closeSrv := newHTTPProxyCircuit(t, "ip: 203.0.113.9")
	defer closeSrv()
	c.Decay(50)

	gw := &fakeGateway{}
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	p.tick(context.Background())

	if c.Health() != 60 {
		t.Errorf("Health() = %d, want 60 after a successful poll heals by 10", c.Health())
	}
}

func TestTickUpdatesLastPollTimeEvenOnFailure(t *testing.T) {
	// Point at a closed server so the probe fails.
	c, closeSrv := newHTTPProxyCircuit(t, "unused")
	closeSrv()

	gw := &fakeGateway{}
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	before := c.LastPollTime()
	p.tick(context.Background())
	if !c.LastPollTime().After(before) {
		t.Error("expected LastPollTime to advance even when the probe fails")
	}
	if gw.observedCalls != 0 {
		t.Error("expected no observed-change report on probe failure")
	}
}

func TestTickDecaysHealthAfterRepeatedFailures(t *testing.T) {
	// Point at a closed server so every retry attempt fails.
	c, closeSrv := newHTTPProxyCircuit(t, "unused")
	closeSrv()

	gw := &fakeGateway{}
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	p.tick(context.Background())

	// Only the 4th of 4 attempts crosses the degrade threshold, so health
	// decays by one heal increment, not four.
	if c.Health() != 90 {
		t.Errorf("Health() = %d, want 90 after a fully-failed tick degrades health once", c.Health())
	}
}

func TestRunExitsImmediatelyWhenCircuitAlreadyInvalid(t *testing.T) {
	c := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1})
	c.Invalidate()

	gw := &fakeGateway{}
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly for an already-invalid circuit")
	}
}

func TestRunExitsWhenContextCanceled(t *testing.T) {
	c := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1})
	gw := &fakeGateway{isChanging: true} // force the gate-check sleep path
	pollingClient := client.NewPolling(c, ratestore.New(nil))
	p := New(c, pollingClient, gw, "http://example.invalid/raw_external_ip")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
