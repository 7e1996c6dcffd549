// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package successfailurecounter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccessFailureCounter(t *testing.T) {
	tests := map[string]struct {
		report          func(*SuccessFailureCounter)
		defaultSuccess  bool
		expectedSuccess uint64
		expectedFailure uint64
	}{
		"default success - no report": {
			report:          func(*SuccessFailureCounter) {},
			defaultSuccess:  true,
			expectedSuccess: 1,
		},
		"default success - report failure": {
			report:          (*SuccessFailureCounter).ReportFailure,
			defaultSuccess:  true,
			expectedFailure: 1,
		},
		"default failure - no report": {
			report:          func(*SuccessFailureCounter) {},
			expectedFailure: 1,
		},
		"default failure - report success": {
			report:          (*SuccessFailureCounter).ReportSuccess,
			expectedSuccess: 1,
		},
		"double report": {
			report: func(sfc *SuccessFailureCounter) {
				sfc.ReportSuccess()
				sfc.ReportFailure()
			},
			expectedSuccess: 1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var totals Totals
			func() {
				sfc := totals.Counter()
				if tc.defaultSuccess {
					defer sfc.DefaultToSuccess()
				} else {
					defer sfc.DefaultToFailure()
				}
				tc.report(&sfc)
			}()
			assert.Equal(t, tc.expectedSuccess, totals.Success.Load())
			assert.Equal(t, tc.expectedFailure, totals.Failure.Load())

			s, f := totals.Drain()
			assert.Equal(t, tc.expectedSuccess+tc.expectedFailure, s+f)
			s, f = totals.Drain()
			assert.Zero(t, s+f)
		})
	}
}
