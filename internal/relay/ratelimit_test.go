package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"
)

func TestLimitEndpointDataIntact(t *testing.T) {
	a, b := endpointPair()
	limited := limitEndpoint(context.Background(), a, 1<<22)

	payload := make([]byte, 128*1024)
	rand.Read(payload)

	go func() {
		limited.Write(payload)
		limited.CloseWrite()
	}()
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted by rate limiter")
	}
}

func TestLimitEndpointZeroMeansUnlimited(t *testing.T) {
	a, _ := endpointPair()
	if got := limitEndpoint(context.Background(), a, 0); got != Endpoint(a) {
		t.Error("zero limit should return the endpoint unchanged")
	}
}

func TestLimitEndpointRespectsContext(t *testing.T) {
	a, _ := endpointPair()
	ctx, cancel := context.WithCancel(context.Background())
	limited := limitEndpoint(ctx, a, 16) // tiny budget, writes will block on the bucket
	cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := limited.Write(make([]byte, 1024))
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("write succeeded past a cancelled context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write did not unblock on context cancellation")
	}
}
