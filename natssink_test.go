package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNatsSinkPublishSkippedWhenPaused(t *testing.T) {
	// js is left nil deliberately: Publish must return before touching it
	// once paused, so a nil JetStreamContext never panics the test.
	sink := &natsSink{streamName: "TEST"}
	sink.SetPaused(true)

	assert.NotPanics(t, func() {
		sink.Publish(ContainerEvent{Kind: EventSet, StorageID: 1}, "")
	})
}

func TestNatsSinkSetPausedToggles(t *testing.T) {
	sink := &natsSink{streamName: "TEST"}
	assert.EqualValues(t, 0, sink.paused)
	sink.SetPaused(true)
	assert.EqualValues(t, 1, sink.paused)
	sink.SetPaused(false)
	assert.EqualValues(t, 0, sink.paused)
}

func TestBuildSubjectPrefersContainerName(t *testing.T) {
	assert.Equal(t, "TEST.orders", buildSubject("TEST", "orders", 42))
}

func TestBuildSubjectFallsBackToStorageIDForUnsafeNames(t *testing.T) {
	assert.Equal(t, "TEST.42", buildSubject("TEST", "__meta__/sessions", 42))
	assert.Equal(t, "TEST.42", buildSubject("TEST", "", 42))
}
