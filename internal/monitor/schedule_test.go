package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 8, 1, 10, 2, 30, 0, time.UTC)
	tests := []struct {
		in   string
		next time.Time
		desc string
	}{
		{in: "300", next: base.Add(5 * time.Minute), desc: "every 5m0s"},
		{in: "90s", next: base.Add(90 * time.Second), desc: "every 1m30s"},
		{in: "00:05", next: base.Add(5 * time.Minute), desc: "every 5m0s"},
		{in: "every:250ms", next: base.Add(250 * time.Millisecond), desc: "every 250ms"},
		{in: "*/5 * * * *", next: time.Date(2024, 8, 1, 10, 5, 0, 0, time.UTC), desc: "cron */5 * * * *"},
		{in: "cron:0 0 * * * *", next: time.Date(2024, 8, 1, 11, 0, 0, 0, time.UTC), desc: "cron 0 0 * * * *"},
		{in: "@hourly", next: time.Date(2024, 8, 1, 11, 0, 0, 0, time.UTC), desc: "cron @hourly"},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.next, s.Next(base), tt.in)
		assert.Equal(t, tt.desc, s.Description, tt.in)
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "0", "-5", "00:75", "every:", "cron:", "cron:bogus expr", "soon"} {
		_, err := ParseSchedule(in)
		assert.Error(t, err, in)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{Workers: 64}.withDefaults()
	assert.Equal(t, 16, c.Workers)
	assert.Equal(t, 30*time.Second, c.FastInterval)
	assert.Equal(t, 300*time.Second, c.CheckInterval)
	assert.Equal(t, 5, c.MaxConsecutiveErrors)
	assert.Equal(t, 10*time.Second, c.GracePeriod)
	assert.Equal(t, 64, c.QueueSize)
	assert.Equal(t, 8, Config{}.withDefaults().Workers)
}
