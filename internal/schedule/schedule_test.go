package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockandfocus/baf/internal/config"
	"github.com/blockandfocus/baf/internal/schedule"
)

// 2024-01-01 is a Monday.
func monday(hour, min int) time.Time {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC)
}

func sunday(hour, min int) time.Time {
	return time.Date(2024, 1, 7, hour, min, 0, 0, time.UTC)
}

func workHours() config.ScheduleConfig {
	return config.ScheduleConfig{
		Enabled: true,
		Rules: []config.ScheduleRule{
			{
				Name:  "work hours",
				Days:  []string{"mon", "tue", "wed", "thu", "fri"},
				Start: "09:00",
				End:   "17:00",
			},
		},
	}
}

func TestIsActiveAt(t *testing.T) {
	testCases := []struct {
		name string
		now  time.Time
		sc   config.ScheduleConfig
		want bool
	}{
		{"inside window", monday(10, 30), workHours(), true},
		{"at window start", monday(9, 0), workHours(), true},
		{"at window end is exclusive", monday(17, 0), workHours(), false},
		{"minute before end", monday(16, 59), workHours(), true},
		{"before window", monday(8, 59), workHours(), false},
		{"wrong weekday", sunday(10, 30), workHours(), false},
		{
			name: "disabled schedule is never active",
			now:  monday(10, 30),
			sc: config.ScheduleConfig{
				Enabled: false,
				Rules:   workHours().Rules,
			},
			want: false,
		},
		{
			name: "no rules",
			now:  monday(10, 30),
			sc:   config.ScheduleConfig{Enabled: true},
			want: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, schedule.IsActiveAt(tc.now, tc.sc))
		})
	}
}

func TestActiveRuleNamesFirstMatch(t *testing.T) {
	sc := config.ScheduleConfig{
		Enabled: true,
		Rules: []config.ScheduleRule{
			{Name: "mornings", Days: []string{"mon"}, Start: "06:00", End: "09:00"},
			{Name: "work hours", Days: []string{"mon"}, Start: "09:00", End: "17:00"},
			{Name: "overlap", Days: []string{"mon"}, Start: "08:00", End: "18:00"},
		},
	}

	rule, ok := schedule.ActiveRule(monday(10, 0), sc)
	require.True(t, ok)
	assert.Equal(t, "work hours", rule.Name)

	rule, ok = schedule.ActiveRule(monday(7, 0), sc)
	require.True(t, ok)
	assert.Equal(t, "mornings", rule.Name)

	_, ok = schedule.ActiveRule(monday(5, 0), sc)
	assert.False(t, ok)
}
