package jobmodel_test

import (
	"testing"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/stretchr/testify/assert"
)

func Test_CanTransition(t *testing.T) {
	tests := []struct {
		summary string
		from    jobmodel.Status
		to      jobmodel.Status
		want    bool
	}{
		{"queued to downloading is legal", jobmodel.Queued, jobmodel.Downloading, true},
		{"downloading to analyzing is legal", jobmodel.Downloading, jobmodel.Analyzing, true},
		{"analyzing to encoding is legal", jobmodel.Analyzing, jobmodel.Encoding, true},
		{"encoding to uploading is legal", jobmodel.Encoding, jobmodel.Uploading, true},
		{"uploading to completed is legal", jobmodel.Uploading, jobmodel.Completed, true},
		{"queued to cancelled is legal", jobmodel.Queued, jobmodel.Cancelled, true},
		{"encoding to cancelled is legal", jobmodel.Encoding, jobmodel.Cancelled, true},
		{"any non-terminal to failed is legal", jobmodel.Downloading, jobmodel.Failed, true},
		{"cannot skip a stage", jobmodel.Queued, jobmodel.Encoding, false},
		{"cannot go backwards", jobmodel.Encoding, jobmodel.Downloading, false},
		{"completed never transitions", jobmodel.Completed, jobmodel.Downloading, false},
		{"failed never transitions, not even to cancelled", jobmodel.Failed, jobmodel.Cancelled, false},
		{"cancelled never transitions to itself", jobmodel.Cancelled, jobmodel.Cancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			assert.Equal(t, tt.want, jobmodel.CanTransition(tt.from, tt.to))
		})
	}
}

func Test_Terminal(t *testing.T) {
	terminal := []jobmodel.Status{jobmodel.Completed, jobmodel.Failed, jobmodel.Cancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []jobmodel.Status{jobmodel.Queued, jobmodel.Downloading, jobmodel.Analyzing, jobmodel.Encoding, jobmodel.Uploading}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}
