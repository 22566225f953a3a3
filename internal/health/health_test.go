package health

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerwatch/internal/registry"
)

type checkerFunc func(ctx context.Context, address *url.URL) (int, error)

func (f checkerFunc) Status(ctx context.Context, address *url.URL) (int, error) {
	return f(ctx, address)
}

func node(t *testing.T, id, addr string) registry.Node {
	u, err := url.Parse(addr)
	require.NoError(t, err)
	return registry.Node{ID: id, Address: u}
}

func TestProbeAllClassifies(t *testing.T) {
	checker := checkerFunc(func(ctx context.Context, address *url.URL) (int, error) {
		switch address.Host {
		case "ok":
			return 200, nil
		case "teapot":
			return 418, nil
		default:
			return 0, errors.New("connection refused")
		}
	})
	prober := NewProber(checker, time.Second, 0, nil)

	got := prober.ProbeAll(context.Background(), []registry.Node{
		node(t, "1", "http://ok"),
		node(t, "2", "http://teapot"),
		node(t, "3", "http://down"),
	})
	assert.Equal(t, map[string]Status{"1": Running, "2": Stopped, "3": Stopped}, got)
}

func TestProbeTimeoutDoesNotDelayOthers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	checker := checkerFunc(func(ctx context.Context, address *url.URL) (int, error) {
		if address.Host == "hang" {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-release:
				return 200, nil
			}
		}
		return 200, nil
	})
	prober := NewProber(checker, 200*time.Millisecond, 0, nil)

	var mu sync.Mutex
	arrived := make(map[string]time.Duration)
	start := time.Now()
	prober.ProbeEach(context.Background(), []registry.Node{
		node(t, "A", "http://hang"),
		node(t, "B", "http://fast"),
	}, func(r Result) {
		mu.Lock()
		arrived[r.NodeID] = time.Since(start)
		mu.Unlock()
		if r.NodeID == "A" {
			assert.Equal(t, Stopped, r.Status)
			assert.Error(t, r.Err)
		} else {
			assert.Equal(t, Running, r.Status)
		}
	})

	require.Len(t, arrived, 2)
	assert.Less(t, arrived["B"], arrived["A"])
	assert.Less(t, arrived["B"], 150*time.Millisecond)
}

func TestProbeRespectsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	checker := checkerFunc(func(ctx context.Context, address *url.URL) (int, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return 200, nil
	})
	prober := NewProber(checker, time.Second, 2, nil)

	nodes := make([]registry.Node, 0, 6)
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		nodes = append(nodes, node(t, id, "http://n"+id))
	}
	got := prober.ProbeAll(context.Background(), nodes)
	assert.Len(t, got, 6)
	assert.LessOrEqual(t, peak, 2)
}

func TestStatusText(t *testing.T) {
	text, err := Running.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Running", string(text))
	assert.Equal(t, "Unknown", Unknown.String())
}
