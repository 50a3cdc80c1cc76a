package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", 0, false},
		{"23:59", 23*3600 + 59*60, false},
		{"06:30:15", 6*3600 + 30*60 + 15, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestInWindowPlain(t *testing.T) {
	start, _ := ParseTimeOfDay("03:00")
	end, _ := ParseTimeOfDay("06:00")

	in := func(s string) bool {
		tod, err := ParseTimeOfDay(s)
		require.NoError(t, err)
		return tod.InWindow(start, end)
	}
	assert.True(t, in("03:00:00"))
	assert.True(t, in("05:59:59"))
	assert.True(t, in("06:00:00"))
	assert.False(t, in("06:00:01"))
	assert.False(t, in("02:59:59"))
	assert.False(t, in("22:00"))
}

func TestInWindowWrapsMidnight(t *testing.T) {
	start, _ := ParseTimeOfDay("22:00")
	end, _ := ParseTimeOfDay("06:00")

	in := func(s string) bool {
		tod, err := ParseTimeOfDay(s)
		require.NoError(t, err)
		return tod.InWindow(start, end)
	}
	assert.True(t, in("22:00"))
	assert.True(t, in("23:30"))
	assert.True(t, in("00:00"))
	assert.True(t, in("06:00"))
	assert.False(t, in("06:00:01"))
	assert.False(t, in("12:00"))
	assert.False(t, in("21:59:59"))
}

func TestTimeOfDayFrom(t *testing.T) {
	at := time.Date(2024, 1, 1, 5, 59, 59, 0, time.UTC)
	assert.Equal(t, TimeOfDay(5*3600+59*60+59), TimeOfDayFrom(at))
}

func TestColumnsPipeSplit(t *testing.T) {
	m := IoMapping{ColumnName: "main_battery|battery_voltage"}
	assert.Equal(t, []string{"main_battery", "battery_voltage"}, m.Columns())

	assert.Nil(t, IoMapping{}.Columns())
	assert.Equal(t, []string{"fuel"}, IoMapping{ColumnName: " fuel "}.Columns())
	assert.Equal(t, []string{"a", "b"}, IoMapping{ColumnName: "a||b"}.Columns())
}

func TestMatches(t *testing.T) {
	one := 1.0
	digital := IoMapping{IoType: IoDigital, TriggerValue: &one}
	assert.True(t, digital.Matches(1))
	assert.False(t, digital.Matches(0))

	analog := IoMapping{IoType: IoAnalog, TriggerValue: &one}
	assert.False(t, analog.Matches(1), "analog mappings never match a trigger")

	noTrigger := IoMapping{IoType: IoDigital}
	assert.False(t, noTrigger.Matches(0))
}

func TestStatusText(t *testing.T) {
	m := IoMapping{IoName: "Ignition", ValueName: "On"}
	assert.Equal(t, "Ignition On", m.StatusText())
}
