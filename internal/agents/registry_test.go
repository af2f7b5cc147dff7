package agents

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

type nopAgent struct {
	desc models.AgentDescriptor
}

func (a *nopAgent) Execute(context.Context, Input) (models.AgentResult, error) {
	return models.AgentResult{Summary: "ok", Confidence: 0.5}, nil
}
func (a *nopAgent) Describe() models.AgentDescriptor { return a.desc }

func nopFactory(desc models.AgentDescriptor) Factory {
	return func() Agent { return &nopAgent{desc: desc} }
}

func desc(id string, domain models.Domain, cap int, caps ...string) models.AgentDescriptor {
	return models.AgentDescriptor{
		AgentID:        id,
		Domain:         domain,
		Capabilities:   caps,
		ConcurrencyCap: cap,
		TimeoutHint:    time.Second,
	}
}

func TestRegisterAndByCapabilityOrder(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(desc("b", models.DomainGeneral, 1, "legal"), nopFactory(desc("b", models.DomainGeneral, 1)))
	r.Register(desc("a", models.DomainGeneral, 1, "legal"), nopFactory(desc("a", models.DomainGeneral, 1)))
	r.Register(desc("c", models.DomainGeneral, 1, "other"), nopFactory(desc("c", models.DomainGeneral, 1)))

	// Registration order, not lexicographic.
	assert.Equal(t, []string{"b", "a"}, r.ByCapability("legal"))
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	d := desc("agent", models.DomainGeneral, 2, "legal")
	r.Register(d, nopFactory(d))
	before := r.ByCapability("legal")

	// Duplicate agent_id replaces silently; by_capability is unchanged.
	r.Register(d, nopFactory(d))
	assert.Equal(t, before, r.ByCapability("legal"))
	assert.Len(t, r.All(), 1)
}

func TestAcquireReleaseNeverExceedsCap(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	const cap = 3
	d := desc("limited", models.DomainGeneral, cap)
	r.Register(d, nopFactory(d))

	var inFlight int64
	var maxSeen int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Acquire(context.Background(), "limited", 5*time.Second)
			require.NoError(t, err)
			n := atomic.AddInt64(&inFlight, 1)
			for {
				m := atomic.LoadInt64(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt64(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			h.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, int64(cap))
	assert.Equal(t, int64(0), atomic.LoadInt64(&inFlight))

	// Counter returned to zero: the full cap is acquirable again.
	for i := 0; i < cap; i++ {
		h, err := r.Acquire(context.Background(), "limited", 100*time.Millisecond)
		require.NoError(t, err)
		defer h.Release()
	}
}

func TestAcquireBusyAfterDeadline(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	d := desc("single", models.DomainGeneral, 1)
	r.Register(d, nopFactory(d))

	h, err := r.Acquire(context.Background(), "single", time.Second)
	require.NoError(t, err)
	defer h.Release()

	_, err = r.Acquire(context.Background(), "single", 50*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrBusy)
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	d := desc("once", models.DomainGeneral, 1)
	r.Register(d, nopFactory(d))

	h, err := r.Acquire(context.Background(), "once", time.Second)
	require.NoError(t, err)
	h.Release()
	h.Release() // must not over-release the semaphore

	h2, err := r.Acquire(context.Background(), "once", time.Second)
	require.NoError(t, err)
	h2.Release()

	_, err = r.Acquire(context.Background(), "once", 50*time.Millisecond)
	require.NoError(t, err)
}

func TestAcquireUnknownAgent(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	_, err := r.Acquire(context.Background(), "ghost", time.Second)
	assert.Error(t, err)
}

func TestByDomain(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(desc("bau", models.DomainConstruction, 1), nopFactory(desc("bau", models.DomainConstruction, 1)))
	r.Register(desc("umwelt", models.DomainEnvironmental, 1), nopFactory(desc("umwelt", models.DomainEnvironmental, 1)))
	assert.Equal(t, []string{"bau"}, r.ByDomain(models.DomainConstruction))
}
