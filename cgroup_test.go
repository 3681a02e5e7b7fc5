package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMaxConnectionsNoLimit(t *testing.T) {
	assert.Equal(t, 10000, calculateMaxConnections(0))
}

func TestCalculateMaxConnectionsScalesWithMemory(t *testing.T) {
	got := calculateMaxConnections(1 << 30) // 1GiB
	assert.Greater(t, got, 100)
	assert.LessOrEqual(t, got, 50000)
}

func TestCalculateMaxConnectionsClampsMinimum(t *testing.T) {
	// just above the 128MB runtime reserve, leaving too little for even 100
	// connections at 100KB each
	got := calculateMaxConnections(128*1024*1024 + 5_000_000)
	assert.Equal(t, 100, got)
}

func TestCalculateMaxConnectionsClampsMaximum(t *testing.T) {
	got := calculateMaxConnections(1 << 40) // absurdly large
	assert.Equal(t, 50000, got)
}
