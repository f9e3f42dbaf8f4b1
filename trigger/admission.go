package trigger

import (
	"sync"

	"golang.org/x/time/rate"
)

type (
	// admission caps concurrently running executions per user. Non-webhook
	// fires over the ceiling queue FIFO and drain as executions finish;
	// webhook fires never queue, they fail fast so ingress cannot pile up.
	admission struct {
		ceiling int
		limiter *rate.Limiter

		mu      sync.Mutex
		running map[string]int
		queue   []queued
	}

	queued struct {
		userID string
		run    func()
	}
)

func newAdmission() *admission {
	return &admission{
		limiter: rate.NewLimiter(rate.Inf, 0),
		running: make(map[string]int),
	}
}

func (a *admission) setRate(perSecond float64, burst int) {
	a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// tryAdmit claims a running slot for the user. Always succeeds when admission
// control is disabled.
func (a *admission) tryAdmit(userID string) bool {
	if a.ceiling <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[userID] >= a.ceiling {
		return false
	}
	a.running[userID]++
	return true
}

// admitWebhook additionally applies the global webhook rate limit.
func (a *admission) admitWebhook(userID string) bool {
	if !a.limiter.Allow() {
		return false
	}
	return a.tryAdmit(userID)
}

// admitOrQueue runs fn now when a slot is free, otherwise appends it to the
// FIFO queue. Queued entries run when release frees a slot.
func (a *admission) admitOrQueue(userID string, fn func()) {
	if a.tryAdmit(userID) {
		fn()
		return
	}
	a.mu.Lock()
	a.queue = append(a.queue, queued{userID: userID, run: fn})
	a.mu.Unlock()
}

// release frees one slot and drains the queue head while it admits. Strict
// FIFO: a blocked head blocks everything behind it.
func (a *admission) release(userID string) {
	if a.ceiling <= 0 {
		return
	}
	a.mu.Lock()
	if a.running[userID] > 0 {
		a.running[userID]--
		if a.running[userID] == 0 {
			delete(a.running, userID)
		}
	}
	var ready []func()
	for len(a.queue) > 0 {
		head := a.queue[0]
		if a.running[head.userID] >= a.ceiling {
			break
		}
		a.running[head.userID]++
		a.queue = a.queue[1:]
		ready = append(ready, head.run)
	}
	a.mu.Unlock()

	for _, run := range ready {
		go run()
	}
}
