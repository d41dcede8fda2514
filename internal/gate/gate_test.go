package gate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micrictor/appwall/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResponder struct {
	accepts atomic.Int32
	blocks  atomic.Int32
}

func (r *countingResponder) Accept() bool {
	r.accepts.Add(1)
	return true
}

func (r *countingResponder) Block() bool {
	r.blocks.Add(1)
	return true
}

func (r *countingResponder) total() int32 {
	return r.accepts.Load() + r.blocks.Load()
}

func testPacket() *packet.Packet {
	return &packet.Packet{
		Protocol:     packet.TCP,
		Source:       packet.Endpoint{IP: "10.0.0.2", Port: 35251},
		Destination:  packet.Endpoint{IP: "93.184.216.34", Port: 80},
		InputDevice:  packet.NoDevice,
		OutputDevice: 1,
		UserID:       1000,
	}
}

func waitDone(t *testing.T, pd *Pending) Outcome {
	t.Helper()
	select {
	case <-pd.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("decision was never answered")
	}
	o, ok := pd.Outcome()
	require.True(t, ok)
	return o
}

func TestUserAnswerWins(t *testing.T) {
	g := New(time.Hour, packet.Block)
	r := &countingResponder{}
	pd := g.Open(testPacket(), nil, r)

	assert.Equal(t, 1, g.Len())
	_, ok := pd.Outcome()
	assert.False(t, ok)

	require.NoError(t, g.Accept(pd.ID))
	o := waitDone(t, pd)
	assert.Equal(t, packet.Accept, o.Action)
	assert.Equal(t, SourceUser, o.Source)
	assert.Equal(t, int32(1), r.accepts.Load())
	assert.Zero(t, g.Len())

	assert.ErrorIs(t, pd.Block(), ErrAlreadyAnswered)
	assert.ErrorIs(t, g.Block(pd.ID), ErrUnknownDecision)
	assert.Equal(t, int32(1), r.total())
}

func TestZeroDelayFallbackBlock(t *testing.T) {
	g := New(0, packet.Block)
	r := &countingResponder{}
	pd := g.Open(testPacket(), nil, r)

	o := waitDone(t, pd)
	assert.Equal(t, packet.Block, o.Action)
	assert.Equal(t, SourceTimeout, o.Source)
	assert.Equal(t, int32(1), r.blocks.Load())
	assert.Zero(t, r.accepts.Load())

	// Answering after the timer fired is a no-op.
	assert.ErrorIs(t, pd.Accept(), ErrAlreadyAnswered)
	assert.Equal(t, int32(1), r.total())
}

func TestFallbackNotBeforeTimeout(t *testing.T) {
	const timeout = 50 * time.Millisecond
	g := New(timeout, packet.Accept)
	r := &countingResponder{}
	start := time.Now()
	pd := g.Open(testPacket(), nil, r)

	o := waitDone(t, pd)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.GreaterOrEqual(t, o.Waited, timeout)
	assert.Equal(t, packet.Accept, o.Action)
	assert.Equal(t, int32(1), r.accepts.Load())
}

func TestConcurrentAnswersDeliverOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		g := New(time.Millisecond, packet.Accept)
		r := &countingResponder{}
		pd := g.Open(testPacket(), nil, r)

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, answer := range []func() error{pd.Accept, pd.Block, pd.Accept, pd.Block} {
			wg.Add(1)
			go func(answer func() error) {
				defer wg.Done()
				<-start
				if answer() == nil {
					wins.Add(1)
				}
			}(answer)
		}
		close(start)
		wg.Wait()
		waitDone(t, pd)

		// Allow a late timer to fire; it must not deliver again.
		time.Sleep(2 * time.Millisecond)
		assert.LessOrEqual(t, wins.Load(), int32(1))
		require.Equal(t, int32(1), r.total(), "iteration %d", i)
	}
}

func TestHooks(t *testing.T) {
	var opened []string
	answered := make(chan Outcome, 1)
	g := New(time.Hour, packet.Accept,
		WithOpenHook(func(p *Pending) { opened = append(opened, p.ID) }),
		WithAnswerHook(func(p *Pending, o Outcome) { answered <- o }),
	)
	pd := g.Open(testPacket(), nil, &countingResponder{})
	assert.Equal(t, []string{pd.ID}, opened)

	require.NoError(t, pd.Block())
	o := <-answered
	assert.Equal(t, packet.Block, o.Action)
}

func TestListAndDrain(t *testing.T) {
	g := New(time.Hour, packet.Block)
	r := &countingResponder{}
	a := g.Open(testPacket(), nil, r)
	time.Sleep(time.Millisecond)
	b := g.Open(testPacket(), nil, r)

	list := g.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	got, err := g.Get(b.ID)
	require.NoError(t, err)
	assert.Same(t, b, got)

	g.Drain()
	assert.Zero(t, g.Len())
	assert.Equal(t, int32(2), r.blocks.Load())
	o, ok := a.Outcome()
	require.True(t, ok)
	assert.Equal(t, SourceShutdown, o.Source)
}

func TestUnknownDecision(t *testing.T) {
	g := New(time.Hour, packet.Accept)
	_, err := g.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownDecision)
	assert.ErrorIs(t, g.Accept("nope"), ErrUnknownDecision)
}
