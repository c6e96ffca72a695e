package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// accountLimiters ограничивает частоту обращений к провайдеру по каждому аккаунту.
type accountLimiters struct {
	mu       sync.Mutex
	interval time.Duration
	items    map[int64]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAccountLimiters(interval time.Duration) *accountLimiters {
	return &accountLimiters{
		interval: interval,
		items:    make(map[int64]*limiterEntry),
	}
}

// allow сообщает, можно ли обратиться к провайдеру за аккаунт в момент now.
func (l *accountLimiters) allow(accountID int64, now time.Time) bool {
	if l == nil || l.interval <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.items[accountID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(l.interval), 1)}
		l.items[accountID] = e
	}
	e.lastSeen = now

	l.prune(now)

	return e.limiter.AllowN(now, 1)
}

// prune убирает аккаунты, у которых лимитер давно полон.
func (l *accountLimiters) prune(now time.Time) {
	if len(l.items) < 1024 {
		return
	}
	idle := 10 * l.interval
	for id, e := range l.items {
		if now.Sub(e.lastSeen) > idle {
			delete(l.items, id)
		}
	}
}
