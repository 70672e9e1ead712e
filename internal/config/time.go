package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultSchedule     = "@every 24h"
	defaultFetchTimeout = 2 * time.Minute
)

var (
	schedule          atomic.Value
	scheduleListeners []chan string
	listenersMu       sync.Mutex
)

func init() {
	schedule.Store(DefaultSchedule)
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

// FetchTimeout falls back to two minutes when cfg leaves the timer empty.
func FetchTimeout(cfg Config) time.Duration {
	timer := cfg.Registry.FetchTimeout
	if timer.Days == 0 && timer.Hours == 0 && timer.Minutes == 0 && timer.Seconds == 0 {
		return defaultFetchTimeout
	}
	return CalculateBetweenTime(timer)
}

func GetSchedule() string {
	return schedule.Load().(string)
}

// ScheduleUpdates returns a channel that first receives the current cron spec
// and then every change to it. A slow reader only ever sees the latest spec.
func ScheduleUpdates() <-chan string {
	ch := make(chan string, 1)
	listenersMu.Lock()
	defer listenersMu.Unlock()

	ch <- GetSchedule()
	scheduleListeners = append(scheduleListeners, ch)
	return ch
}

func setSchedule(spec string) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if GetSchedule() == spec {
		return
	}
	schedule.Store(spec)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range scheduleListeners {
		select {
		case <-ch:
		default:
		}
		ch <- spec
	}
}
