package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *stubFetcher) Fetch(int, ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, errors.New("nats: connection closed")
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestJetStreamFetchLoop_BacksOffOnPersistentErrors(t *testing.T) {
	b := &JetStreamBus{
		policy: Policy{}.withDefaults(),
		logger: zerolog.Nop(),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	f := &stubFetcher{}
	b.wg.Add(1)
	go b.runFetchLoop(TopicPositions, "group", 0, f, nil)

	// With the first backoff at 500ms, a broken connection produces at most a
	// couple of fetch attempts in this window, not thousands.
	time.Sleep(300 * time.Millisecond)
	b.cancel()
	b.wg.Wait()

	calls := f.count()
	assert.GreaterOrEqual(t, calls, 1)
	assert.LessOrEqual(t, calls, 2, "persistent fetch errors must not hot-loop")
}
