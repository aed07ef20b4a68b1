package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	b := NewExponential(time.Second, 10*time.Second)

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(60))
}

func TestExponential_Uncapped(t *testing.T) {
	b := NewExponential(100*time.Millisecond, 0)
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
}
