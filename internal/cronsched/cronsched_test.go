package cronsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsWrongFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangeValue(t *testing.T) {
	_, err := Parse("99 * * * *")
	assert.Error(t, err)
}

func TestEveryTenMinutesFiresOnBoundaries(t *testing.T) {
	s, err := Parse("*/10 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 12, 3, 0, 0, time.UTC)
	next := s.Next(base)
	assert.Equal(t, time.Date(2026, 7, 30, 12, 10, 0, 0, time.UTC), next)
}

func TestEveryTenMinutesAdvancesWhenAlreadyOnBoundary(t *testing.T) {
	s, err := Parse("*/10 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 12, 10, 0, 0, time.UTC)
	next := s.Next(base)
	assert.Equal(t, time.Date(2026, 7, 30, 12, 20, 0, 0, time.UTC), next)
}

func TestFixedHourAndMinute(t *testing.T) {
	s, err := Parse("30 4 * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 5, 0, 0, 0, time.UTC)
	next := s.Next(base)
	assert.Equal(t, time.Date(2026, 7, 31, 4, 30, 0, 0, time.UTC), next)
}

func TestDayOfWeekRange(t *testing.T) {
	s, err := Parse("0 9 * * 1-5")
	require.NoError(t, err)

	saturday := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	next := s.Next(saturday)
	assert.Equal(t, time.Monday, next.Weekday())
}
