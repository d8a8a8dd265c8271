package presence

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/render"
)

// startRedis starts a Redis testcontainer and returns a connected bus.
func startRedis(t *testing.T) *RedisBus {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	bus, err := NewRedisBus("redis://"+endpoint, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRedisBusRoundTrip(t *testing.T) {
	bus := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := bus.Subscribe(ctx, "ci-1")
	// Let the subscriber issue its first XREAD from "$".
	time.Sleep(200 * time.Millisecond)

	want := Event{
		CIID:       "ci-1",
		Version:    7,
		Mode:       avatar.ModeEmber,
		Visible:    true,
		Brightness: 0.405,
		Hue:        130,
		Capability: render.Vector,
		MediaType:  "image/svg+xml",
		Size:       2048,
		At:         time.Date(2026, 5, 1, 9, 30, 0, 123, time.UTC),
	}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-events:
		if !got.At.Equal(want.At) {
			t.Errorf("at = %v, want %v", got.At, want.At)
		}
		got.At = want.At
		if got != want {
			t.Errorf("event mismatch:\nwant %+v\ngot  %+v", want, got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for presence event")
	}
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	_, err := decodeEvent(map[string]interface{}{"ci_id": "a", "version": "x"})
	if err == nil {
		t.Fatal("expected error for bad version")
	}
	_, err = decodeEvent(map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for missing ci_id")
	}
}
