// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions. It drives metric collection, the
// stack cache compression log and the monotonic-to-realtime resync.
package periodiccaller // import "github.com/syzygy-go/syzygy/periodiccaller"

import (
	"context"
	"math/rand/v2"
	"time"
)

// loop calls callback(false) whenever the ticker fires and callback(true) for every value
// received on trigger, until ctx is done. When next is not nil the ticker is reset to next()
// after every tick.
func loop(ctx context.Context, ticker *time.Ticker, trigger <-chan bool,
	next func() time.Duration, callback func(manualTrigger bool)) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			callback(false)
			if next != nil {
				ticker.Reset(next())
			}
		case <-trigger:
			callback(true)
		case <-ctx.Done():
			return
		}
	}
}

// Start starts a timer that calls <callback> every <interval> until the <ctx> is canceled.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	ticker := time.NewTicker(interval)
	go loop(ctx, ticker, nil, nil, func(bool) { callback() })
	return ticker.Stop
}

// StartWithManualTrigger starts a timer that calls <callback> every <interval> until the <ctx>
// is canceled. Additionally the 'trigger' channel can be used to trigger callback immediately.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger chan bool,
	callback func(manualTrigger bool)) func() {
	ticker := time.NewTicker(interval)
	go loop(ctx, ticker, trigger, nil, callback)
	return ticker.Stop
}

// StartWithJitter starts a timer that calls <callback> every <baseDuration+jitter>
// until the <ctx> is canceled. <jitter>, [0..1], is used to add +/- jitter
// to <baseDuration> at every iteration of the timer.
func StartWithJitter(ctx context.Context, baseDuration time.Duration, jitter float64,
	callback func()) func() {
	next := func() time.Duration { return addJitter(baseDuration, jitter) }
	ticker := time.NewTicker(next())
	go loop(ctx, ticker, nil, next, func(bool) { callback() })
	return ticker.Stop
}

// addJitter returns base +/- a random share of jitter*base, never less than one nanosecond.
func addJitter(base time.Duration, jitter float64) time.Duration {
	if jitter < 0 || jitter > 1 {
		return base
	}
	d := base + time.Duration((rand.Float64()*2-1)*jitter*float64(base))
	return max(d, 1)
}
