package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMA(t *testing.T) {
	f := NewEMA(0.5, 0, 0)
	assert.Equal(t, float32(10), f.Update(10), "first sample primes")
	assert.Equal(t, float32(15), f.Update(20))
	assert.Equal(t, float32(17.5), f.Update(20))

	f.Reset()
	assert.Equal(t, float32(0), f.Value())
	assert.Equal(t, float32(4), f.Update(4))
}

func TestEMA_Clamp(t *testing.T) {
	f := NewEMA(1, 0, 15)
	assert.Equal(t, float32(15), f.Update(40))
	assert.Equal(t, float32(0), f.Update(-3))
	assert.Equal(t, float32(7), f.Update(7))
}

func TestEMA_DefaultAlpha(t *testing.T) {
	f := NewEMA(0, 0, 0)
	f.Update(0)
	assert.InDelta(t, 5, f.Update(100), 1e-4)
}

func TestEMA_Converges(t *testing.T) {
	f := NewEMA(DefaultAlpha, 0, 1000)
	f.Update(0)
	for i := 0; i < 500; i++ {
		f.Update(48)
	}
	assert.InDelta(t, 48, f.Value(), 0.01)
}

func TestFiltered(t *testing.T) {
	var c Cell
	w := NewFiltered(&c, 0.5, 0, 0)

	w.Store(8)
	assert.Equal(t, float32(8), c.Load())
	w.Store(0)
	assert.Equal(t, float32(4), c.Load())
}
