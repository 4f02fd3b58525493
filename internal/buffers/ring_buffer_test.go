package buffers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferWriteUnderCapacity(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer[int](4)
	for i := 0; i < 3; i++ {
		evicted := rb.WriteOne(i)
		assert.False(t, evicted)
	}
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []int{0, 1, 2}, rb.DrainAll())
}

func TestRingBufferEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer[int](3)
	for i := 0; i < 5; i++ {
		rb.WriteOne(i)
	}
	assert.Equal(t, int64(2), rb.DroppedCount())
	assert.Equal(t, []int{2, 3, 4}, rb.DrainAll())
}

func TestRingBufferDrainEmptiesBuffer(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer[string](2)
	rb.WriteOne("a")
	rb.WriteOne("b")
	assert.Equal(t, []string{"a", "b"}, rb.DrainAll())
	assert.Equal(t, 0, rb.Len())
	assert.Nil(t, rb.DrainAll())
}

func TestRingBufferCap(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer[int](7)
	assert.Equal(t, 7, rb.Cap())
}
