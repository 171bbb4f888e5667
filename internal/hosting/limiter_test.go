package hosting

import (
	"context"
	"net/http"
	"testing"
)

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls++
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestLimitedTransport_PassesThrough(t *testing.T) {
	base := &countingTransport{}
	rt := LimitedTransport(base, 1000, 10)

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		resp, err := rt.RoundTrip(req)
		if err != nil {
			t.Fatalf("RoundTrip() error = %v", err)
		}
		resp.Body.Close()
	}

	if base.calls != 3 {
		t.Errorf("base transport saw %d calls, want 3", base.calls)
	}
}

func TestLimitedTransport_CancelledContext(t *testing.T) {
	base := &countingTransport{}
	// Burst 1 at a glacial refill rate: the second request must wait,
	// and its cancelled context aborts the wait.
	rt := LimitedTransport(base, 0.0001, 1)

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("first RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rt.RoundTrip(req.WithContext(ctx)); err == nil {
		t.Fatal("RoundTrip() with cancelled context should fail while waiting")
	}

	if base.calls != 1 {
		t.Errorf("base transport saw %d calls, want 1", base.calls)
	}
}

func TestLimitedTransport_Defaults(t *testing.T) {
	rt, ok := LimitedTransport(nil, 0, 0).(*limitedTransport)
	if !ok {
		t.Fatal("LimitedTransport() should return a *limitedTransport")
	}
	if float64(rt.limiter.Limit()) != DefaultRequestsPerSecond {
		t.Errorf("limit = %v, want %v", rt.limiter.Limit(), DefaultRequestsPerSecond)
	}
	if rt.limiter.Burst() != DefaultBurst {
		t.Errorf("burst = %d, want %d", rt.limiter.Burst(), DefaultBurst)
	}
}
