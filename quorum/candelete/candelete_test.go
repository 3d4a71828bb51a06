package candelete

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateAgreement(t *testing.T) {
	gate, err := Gate()
	require.NoError(t, err)

	threshold := 90 * 24 * time.Hour
	for _, test := range []struct {
		age  time.Duration
		want bool
	}{
		{0, false},
		{threshold - time.Nanosecond, false},
		{threshold, true},
		{threshold + time.Nanosecond, true},
		{365 * 24 * time.Hour, true},
	} {
		got, err := gate.Decide(threshold, test.age)
		require.NoError(t, err, test.age)
		assert.Equal(t, test.want, got, test.age)
	}
}
