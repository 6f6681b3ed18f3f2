package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
)

func mustTime(t *testing.T, s string) time.Time {
	tm, err := time.ParseInLocation(DateTimeLayout, s, time.Local)
	require.NoError(t, err)
	return tm
}

func TestCron(t *testing.T) {
	t.Parallel()

	after := mustTime(t, "2024-03-01 10:00:05")
	next, ok, err := Next(model.TriggerTypeCron, "0 */5 * * * *", after)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mustTime(t, "2024-03-01 10:05:00"), next)

	// five fields means minute precision
	next, ok, err = Next(model.TriggerTypeCron, "30 2 * * *", after)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mustTime(t, "2024-03-02 02:30:00"), next)

	_, _, err = Next(model.TriggerTypeCron, "not a cron", after)
	require.True(t, errors.Is(err, errors.ErrInvalidTriggerType))
}

func TestOnce(t *testing.T) {
	t.Parallel()

	value := "2024-03-01 12:00:00"
	next, ok, err := Next(model.TriggerTypeOnce, value, mustTime(t, "2024-03-01 11:00:00"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mustTime(t, value), next)

	_, ok, err = Next(model.TriggerTypeOnce, value, mustTime(t, "2024-03-01 12:00:00"))
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, Validate(model.TriggerTypeOnce, "2024/03/01"))
}

func TestPeriod(t *testing.T) {
	t.Parallel()

	value := `{"period":"MONTHLY","start":"2024-01-31 08:00:00","step":1}`
	require.NoError(t, Validate(model.TriggerTypePeriod, value))

	next, ok, err := Next(model.TriggerTypePeriod, value, mustTime(t, "2024-01-01 00:00:00"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mustTime(t, "2024-01-31 08:00:00"), next)

	next, _, err = Next(model.TriggerTypePeriod, value, mustTime(t, "2024-01-31 08:00:00"))
	require.NoError(t, err)
	require.True(t, next.After(mustTime(t, "2024-01-31 08:00:00")))

	value = `{"period":"DAILY","start":"2024-01-01 00:00:00","step":2}`
	next, _, err = Next(model.TriggerTypePeriod, value, mustTime(t, "2024-01-04 12:00:00"))
	require.NoError(t, err)
	require.Equal(t, mustTime(t, "2024-01-05 00:00:00"), next)

	require.Error(t, Validate(model.TriggerTypePeriod, `{"period":"SECONDLY","start":"2024-01-01 00:00:00","step":1}`))
	require.Error(t, Validate(model.TriggerTypePeriod, `{"period":"DAILY","start":"2024-01-01 00:00:00","step":0}`))
}

func TestFixedAndDepend(t *testing.T) {
	t.Parallel()

	after := mustTime(t, "2024-03-01 10:00:00")
	next, ok, err := Next(model.TriggerTypeFixedRate, "30", after)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, after.Add(30*time.Second), next)
	require.Error(t, Validate(model.TriggerTypeFixedDelay, "-1"))

	_, ok, err = Next(model.TriggerTypeDepend, "1,2", after)
	require.NoError(t, err)
	require.False(t, ok)

	parents, err := ParseDependParents(" 3, 1,3 ,2")
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1, 2}, parents)
	_, err = ParseDependParents(",")
	require.Error(t, err)
	_, err = ParseDependParents("1,a")
	require.Error(t, err)

	require.Error(t, Validate(model.TriggerType(99), "x"))
}
