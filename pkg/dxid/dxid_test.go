package dxid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDXID_EpochAndCounter(t *testing.T) {
	tests := []struct {
		name    string
		epoch   int32
		counter int32
	}{
		{
			name:    "zero",
			epoch:   0,
			counter: 0,
		},
		{
			name:    "first delivery",
			epoch:   1,
			counter: 1,
		},
		{
			name:    "large counter",
			epoch:   7,
			counter: 1<<31 - 1,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id := NewDXID(test.epoch, test.counter)
			assert.Equal(t, test.epoch, id.GetEpoch())
			assert.Equal(t, test.counter, id.GetCounter())
		})
	}
}

func TestDXID_Ordering(t *testing.T) {
	a := NewDXID(1, 500)
	b := a.Next()
	c := NewDXID(2, 0)

	assert.Less(t, a, b)
	// A later epoch always sorts after every id of an earlier one.
	assert.Less(t, b, c)
	assert.Equal(t, "1:501", b.String())
}
