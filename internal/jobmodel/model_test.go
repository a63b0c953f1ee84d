package jobmodel_test

import (
	"testing"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/stretchr/testify/assert"
)

func Test_EffectiveHeight(t *testing.T) {
	tests := []struct {
		summary      string
		quality      jobmodel.Quality
		sourceHeight int
		want         int
	}{
		{"source taller than request, use requested", jobmodel.Quality720, 1080, 720},
		{"source shorter than request, never upscale", jobmodel.Quality1080, 480, 480},
		{"source equals request", jobmodel.Quality1080, 1080, 1080},
		{"unknown source height, trust requested", jobmodel.Quality480, 0, 480},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			data := jobmodel.JobData{Quality: tt.quality}
			assert.Equal(t, tt.want, data.EffectiveHeight(tt.sourceHeight))
		})
	}
}

func Test_QualityValid(t *testing.T) {
	assert.True(t, jobmodel.Quality480.Valid())
	assert.True(t, jobmodel.Quality720.Valid())
	assert.True(t, jobmodel.Quality1080.Valid())
	assert.False(t, jobmodel.Quality(360).Valid())
}

func Test_PresetValid(t *testing.T) {
	assert.True(t, jobmodel.PresetFast.Valid())
	assert.True(t, jobmodel.PresetMedium.Valid())
	assert.True(t, jobmodel.PresetSlow.Valid())
	assert.False(t, jobmodel.Preset("ultrafast").Valid())
}
