package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spec-kit/dispatch-desk/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMarkSentSuppressesOneEcho(t *testing.T) {
	guard := NewGuard()

	assert.False(t, guard.ShouldSuppress("t-1"))
	guard.MarkSent("t-1")
	guard.MarkSent("t-1")
	assert.Equal(t, 2, guard.Pending("t-1"))

	assert.True(t, guard.ShouldSuppress("t-1"))
	assert.True(t, guard.ShouldSuppress("t-1"))
	assert.False(t, guard.ShouldSuppress("t-1"), "marks are consumed")
	assert.False(t, guard.ShouldSuppress("t-2"))

	guard.MarkSent("")
	assert.Zero(t, guard.Pending(""))
}

func TestMarksExpire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	guard := NewGuard(WithClock(clock.Now), WithMarkTTL(5*time.Second))

	guard.MarkSent("t-1")
	clock.Advance(6 * time.Second)
	assert.Zero(t, guard.Pending("t-1"))
	assert.False(t, guard.ShouldSuppress("t-1"))

	guard.MarkSent("t-1")
	clock.Advance(4 * time.Second)
	assert.True(t, guard.ShouldSuppress("t-1"))
}

func TestIsDuplicateMessage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sender := "hero-1"
	other := "hero-2"
	guard := NewGuard()
	guard.RememberMessage(domain.TicketMessage{TicketID: "t-1", SenderID: &sender, Body: "en route", CreatedAt: base})
	guard.RememberMessage(domain.TicketMessage{ID: "m-9", TicketID: "t-1", SenderID: &sender, Body: "older", CreatedAt: base.Add(-time.Hour)})

	tests := []struct {
		name string
		msg  domain.TicketMessage
		want bool
	}{
		{"same content within window", domain.TicketMessage{ID: "m-1", TicketID: "t-1", SenderID: &sender, Body: "en route", CreatedAt: base.Add(1500 * time.Millisecond)}, true},
		{"clock skew backwards", domain.TicketMessage{ID: "m-1", TicketID: "t-1", SenderID: &sender, Body: "en route", CreatedAt: base.Add(-time.Second)}, true},
		{"outside window", domain.TicketMessage{ID: "m-1", TicketID: "t-1", SenderID: &sender, Body: "en route", CreatedAt: base.Add(3 * time.Second)}, false},
		{"different sender", domain.TicketMessage{ID: "m-1", TicketID: "t-1", SenderID: &other, Body: "en route", CreatedAt: base}, false},
		{"different ticket", domain.TicketMessage{ID: "m-1", TicketID: "t-2", SenderID: &sender, Body: "en route", CreatedAt: base}, false},
		{"different body", domain.TicketMessage{ID: "m-1", TicketID: "t-1", SenderID: &sender, Body: "arrived", CreatedAt: base}, false},
		{"known id", domain.TicketMessage{ID: "m-9", TicketID: "t-1", Body: "anything", CreatedAt: base.Add(time.Hour)}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, guard.IsDuplicateMessage(tc.msg))
		})
	}
}

func TestGuardConcurrentUse(t *testing.T) {
	guard := NewGuard()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			guard.MarkSent("t-1")
		}()
		go func() {
			defer wg.Done()
			guard.ShouldSuppress("t-1")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, guard.Pending("t-1"), 50)
}
