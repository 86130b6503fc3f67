package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanMessage(t *testing.T) {
	assert.False(t, TierFree.CanMessage())
	assert.False(t, TierBasic.CanMessage())
	assert.True(t, TierPro.CanMessage())
	assert.True(t, TierBusiness.CanMessage())
	assert.Equal(t, TierFree, ParseTier("platinum"))
	assert.Equal(t, TierPro, ParseTier(" PRO "))
}

func TestStatic(t *testing.T) {
	s := Static{Default: TierPro, Overrides: map[string]Tier{"u2": TierBasic}}
	tier, _ := s.PlanTier(context.Background(), "u1")
	assert.Equal(t, TierPro, tier)
	tier, _ = s.PlanTier(context.Background(), "u2")
	assert.Equal(t, TierBasic, tier)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/u1/plan", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"tier":"business"}`))
	}))
	defer srv.Close()

	tier, err := NewHTTPClient(srv.URL, 2*time.Second).PlanTier(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, TierBusiness, tier)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientStatusHandling(t *testing.T) {
	cases := []struct {
		status  int
		want    Tier
		wantErr bool
	}{
		{http.StatusNotFound, TierFree, false},
		{http.StatusForbidden, "", true},
	}
	for _, tc := range cases {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tc.status)
		}))
		tier, err := NewHTTPClient(srv.URL, time.Second).PlanTier(context.Background(), "u1")
		srv.Close()

		if tc.wantErr {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
		assert.Equal(t, tc.want, tier)
		assert.Equal(t, int32(1), calls.Load(), "status %d is not retried", tc.status)
	}
}
