package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubEpoch(t *testing.T) {
	assert.Equal(t, int32(0), hubEpoch(epochBase))
	assert.Equal(t, int32(90), hubEpoch(epochBase.Add(90*time.Second+time.Millisecond)))

	now := time.Now()
	assert.Less(t, hubEpoch(now), hubEpoch(now.Add(time.Second)))
}
