package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvance(t *testing.T) {
	cases := []struct {
		current, target Status
		want            Status
		changed         bool
	}{
		{Sent, Delivered, Delivered, true},
		{Delivered, Read, Read, true},
		{Sent, Read, Read, true},
		{Sent, Sent, Sent, false},
		{Delivered, Delivered, Delivered, false},
		{Read, Read, Read, false},
		{Delivered, Sent, Delivered, false},
		{Read, Delivered, Read, false},
		{Read, Sent, Read, false},
		{Sent, Status("bogus"), Sent, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.current)+"->"+string(tc.target), func(t *testing.T) {
			got, changed := Advance(tc.current, tc.target)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.changed, changed)
		})
	}
}

func TestNoDowngradeAfterForwardMove(t *testing.T) {
	all := []Status{Sent, Delivered, Read}
	for i, lo := range all {
		for _, hi := range all[i+1:] {
			s, _ := Advance(Sent, hi)
			s, changed := Advance(s, lo)
			assert.False(t, changed)
			assert.Equal(t, hi, s, "applying %s then %s", hi, lo)
		}
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("delivered")
	assert.NoError(t, err)
	assert.Equal(t, Delivered, s)

	_, err = Parse("seen")
	assert.Error(t, err)
}
