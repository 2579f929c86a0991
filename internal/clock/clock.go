// Package clock даёт инжектируемый источник времени, чтобы автоматы состояний
// можно было тестировать без sleep.
package clock

import (
	"sync"
	"time"
)

// Clock — единственный способ сервисов узнать текущее время.
type Clock interface {
	Now() time.Time
}

// Real использует системные часы.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake — ручные часы для тестов.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance сдвигает часы вперёд и возвращает новое время.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
