package urlcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// signedURL builds a URL whose query parameters declare a validity window
// starting at signedAt.
func signedURL(name string, signedAt time.Time, validFor time.Duration) string {
	return fmt.Sprintf("https://bucket.example.com/%s?X-Amz-Date=%s&X-Amz-Expires=%d",
		name, signedAt.UTC().Format("20060102T150405Z"), int(validFor.Seconds()))
}

// fakeRefresher records every batch it receives and answers through the
// configured respond function.
type fakeRefresher struct {
	mu      sync.Mutex
	batches [][]Key
	respond func(keys []Key) ([]KeyResult, error)
}

func (f *fakeRefresher) RefreshBatch(_ context.Context, keys []Key) ([]KeyResult, error) {
	batch := make([]Key, len(keys))
	copy(batch, keys)
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil, fmt.Errorf("no responder configured")
	}
	return respond(batch)
}

func (f *fakeRefresher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeRefresher) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, batch := range f.batches {
		sizes[i] = len(batch)
	}
	return sizes
}

func (f *fakeRefresher) rowsFor(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := 0
	for _, batch := range f.batches {
		for _, k := range batch {
			if k == key {
				rows++
			}
		}
	}
	return rows
}

// signResults answers every key with a unique URL signed at the responder's
// current clock reading and valid for validFor.
func signResults(clk clock.Clock, validFor time.Duration) func(keys []Key) ([]KeyResult, error) {
	return func(keys []Key) ([]KeyResult, error) {
		results := make([]KeyResult, 0, len(keys))
		for _, key := range keys {
			name := fmt.Sprintf("%s-%d/refreshed", key.Owner, key.Index)
			results = append(results, KeyResult{
				Key: key,
				OK:  true,
				URL: signedURL(name, clk.Now(), validFor),
			})
		}
		return results, nil
	}
}

// failResults answers every key with a failure row carrying reason.
func failResults(keys []Key, reason string) []KeyResult {
	results := make([]KeyResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, KeyResult{Key: key, Err: reason})
	}
	return results
}

func waitOutcome(t *testing.T, done <-chan refreshOutcome) refreshOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refresh outcome")
		return refreshOutcome{}
	}
}

func waitErr(t *testing.T, done <-chan refreshOutcome) error {
	t.Helper()
	return waitOutcome(t, done).err
}

func recvUpdate(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	select {
	case update, ok := <-updates:
		if !ok {
			t.Fatal("update channel closed")
		}
		return update
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func assertNoUpdate(t *testing.T, updates <-chan Update) {
	t.Helper()
	select {
	case update, ok := <-updates:
		if ok {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
