// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter counts the outcome of operations that must be accounted as
// exactly one success or one failure, such as the delivery of a crash report.
//
// A SuccessFailureCounter is meant to be used by one goroutine. The counters it increments may
// be shared.
package successfailurecounter // import "github.com/syzygy-go/syzygy/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Totals holds a pair of shared outcome counters.
type Totals struct {
	Success atomic.Uint64
	Failure atomic.Uint64
}

// Counter returns a SuccessFailureCounter for one operation accounted in t.
func (t *Totals) Counter() SuccessFailureCounter {
	return New(&t.Success, &t.Failure)
}

// Drain returns the counts accumulated since the previous Drain and resets them.
func (t *Totals) Drain() (success, failure uint64) {
	return t.Success.Swap(0), t.Failure.Swap(0)
}

// SuccessFailureCounter increments success or failure counters exactly once.
type SuccessFailureCounter struct {
	success, fail *atomic.Uint64
	sealed        bool
}

// New returns a SuccessFailureCounter that can be incremented exactly once.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

func (sfc *SuccessFailureCounter) seal(c *atomic.Uint64) {
	if sfc.sealed {
		log.Errorf("Attempted to report success/failure status more than once.")
		return
	}
	c.Add(1)
	sfc.sealed = true
}

// ReportSuccess increments the success counter or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportSuccess() { sfc.seal(sfc.success) }

// ReportFailure increments the failure counter or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportFailure() { sfc.seal(sfc.fail) }

// DefaultToSuccess increments the success counter if no counter was updated before.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		sfc.seal(sfc.success)
	}
}

// DefaultToFailure increments the failure counter if no counter was updated before.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.seal(sfc.fail)
	}
}
