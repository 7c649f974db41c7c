package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuygold/gpugate/internal/aggregator"
	"github.com/ubuygold/gpugate/internal/logger"
)

type scriptedProber struct {
	mu     sync.Mutex
	states []map[string]string
	calls  int
}

func (p *scriptedProber) Health(context.Context) aggregator.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.states) {
		i = len(p.states) - 1
	}
	p.calls++
	return aggregator.Health{Backends: p.states[i]}
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// syncBuffer guards a bytes.Buffer shared with the logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSweep_LogsTransitions(t *testing.T) {
	prober := &scriptedProber{states: []map[string]string{
		{"http://gpu0": aggregator.BackendOnline, "http://gpu1": aggregator.BackendOnline},
		{"http://gpu0": aggregator.BackendOnline, "http://gpu1": aggregator.BackendOffline},
		{"http://gpu0": aggregator.BackendOnline, "http://gpu1": aggregator.BackendOffline},
		{"http://gpu0": aggregator.BackendOnline, "http://gpu1": aggregator.BackendOnline},
	}}
	out := &syncBuffer{}
	s := NewScheduler(prober, time.Second, logger.NewWithWriter(out, false))

	s.Sweep()
	assert.Empty(t, out.String(), "an all-online first sweep logs nothing at info")

	s.Sweep()
	assert.Equal(t, 1, strings.Count(out.String(), "Backend went offline"))
	assert.Equal(t, aggregator.BackendOffline, s.States()["http://gpu1"])

	s.Sweep()
	assert.Equal(t, 1, strings.Count(out.String(), "Backend went offline"), "unchanged state is not logged again")

	s.Sweep()
	assert.Equal(t, 1, strings.Count(out.String(), "Backend back online"))
	assert.Equal(t, map[string]string{"http://gpu0": aggregator.BackendOnline, "http://gpu1": aggregator.BackendOnline}, s.States())
}

func TestStart_RunsSweepOnSchedule(t *testing.T) {
	prober := &scriptedProber{states: []map[string]string{{"http://gpu0": aggregator.BackendOnline}}}
	s := NewScheduler(prober, time.Second, logger.Discard())

	require.NoError(t, s.Start("@every 1s"))
	defer s.Stop()

	assert.Eventually(t, func() bool { return prober.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_InvalidSpec(t *testing.T) {
	s := NewScheduler(&scriptedProber{}, time.Second, logger.Discard())

	err := s.Start("every now and then")

	assert.Error(t, err)
}
