package apm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsPublisher_ReadBeforePublish_ReturnsZeroValue(t *testing.T) {
	p := NewStatsPublisher()
	res := p.Read()
	assert.False(t, res.Filled)
}

func TestStatsPublisher_PublishThenRead_SeesLatest(t *testing.T) {
	p := NewStatsPublisher()

	p.Publish(Result{Filled: true, Min: 1, Max: 10})
	res := p.Read()
	assert.True(t, res.Filled)
	assert.Equal(t, uint32(1), res.Min)

	p.Publish(Result{Filled: true, Min: 2, Max: 20})
	res = p.Read()
	assert.Equal(t, uint32(2), res.Min)
}

func TestStatsPublisher_FlipFlop_AlternatesSlots(t *testing.T) {
	p := NewStatsPublisher()

	for i := uint32(0); i < 5; i++ {
		p.Publish(Result{Filled: true, Min: i})
		assert.Equal(t, i, p.Read().Min)
	}
}

func TestStatsPublisher_ReadSince_ChangedOnlyOnFirstCallAfterPublish(t *testing.T) {
	p := NewStatsPublisher()

	p.Publish(Result{Filled: true, Min: 1})
	_, seq1, changed1 := p.ReadSince(0)
	assert.True(t, changed1)

	_, seq2, changed2 := p.ReadSince(seq1)
	assert.False(t, changed2)
	assert.Equal(t, seq1, seq2)

	_, seq3, changed3 := p.ReadSince(seq2)
	assert.False(t, changed3)
	assert.Equal(t, seq1, seq3)

	p.Publish(Result{Filled: true, Min: 2})
	res4, seq4, changed4 := p.ReadSince(seq3)
	assert.True(t, changed4)
	assert.NotEqual(t, seq3, seq4)
	assert.Equal(t, uint32(2), res4.Min)

	_, _, changed5 := p.ReadSince(seq4)
	assert.False(t, changed5)
}

func TestStatsPublisher_ConcurrentReadersDuringPublish_NeverSeeTornResult(t *testing.T) {
	p := NewStatsPublisher()
	p.Publish(Result{Filled: true, Min: 1, Max: 100})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					res := p.Read()
					assert.True(t, res.Max >= res.Min)
				}
			}
		}()
	}

	for i := uint32(2); i < 200; i++ {
		p.Publish(Result{Filled: true, Min: i, Max: i + 100})
	}
	close(stop)
	wg.Wait()
}
