package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilPublisherIsNoOp(t *testing.T) {
	p := NewPublisher("", "")
	assert.Nil(t, p)

	// Every method must be safe on the nil receiver; wiring code passes the
	// nil through unconditionally.
	p.Publish(context.Background(), KindSettlementComputed, map[string]any{"month": "202508"})
	assert.NoError(t, p.Close())
}

func TestNewPublisherWithAddr(t *testing.T) {
	p := NewPublisher("localhost:6379", "")
	assert.NotNil(t, p)
	// Construction never dials; Close is safe without a live server.
	assert.NoError(t, p.Close())
}
