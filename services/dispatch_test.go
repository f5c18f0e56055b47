package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	d := NewStatusDispatcher(16, zap.NewNop(), first, second)

	d.SensorOnline("aa:bb", time.Now(), nil, nil)
	d.SensorOffline("aa:bb")
	d.GatewayPresence("gw-a", false, time.Now())
	d.Close()

	for _, sink := range []*recordingSink{first, second} {
		assert.Equal(t, 1, sink.onlineCount("aa:bb"))
		assert.Equal(t, 1, sink.offlineCount("aa:bb"))
		sink.mu.Lock()
		assert.Len(t, sink.gateway, 1)
		sink.mu.Unlock()
	}
}

func TestDispatcher_EnqueueAfterCloseIsSafe(t *testing.T) {
	sink := &recordingSink{}
	d := NewStatusDispatcher(16, zap.NewNop(), sink)
	d.Close()

	// Must not panic or block
	d.SensorOffline("aa:bb")
	assert.Equal(t, 0, sink.offlineCount("aa:bb"))
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	d := NewStatusDispatcher(16, zap.NewNop())
	d.Close()
	d.Close()
}

type panickySink struct{ recordingSink }

func (p *panickySink) SensorOffline(key string) {
	panic("sink blew up")
}

func TestDispatcher_SurvivesPanickingSink(t *testing.T) {
	bad := &panickySink{}
	good := &recordingSink{}
	// The panicking sink runs first; the drain loop must keep going
	d := NewStatusDispatcher(16, zap.NewNop(), bad, good)

	d.SensorOffline("aa:bb")
	d.SensorOnline("aa:bb", time.Now(), nil, nil)
	d.Close()

	assert.Equal(t, 1, good.onlineCount("aa:bb"))
}
