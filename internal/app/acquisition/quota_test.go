package acquisition

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quotaHeader(limit, remaining string, reset time.Time) http.Header {
	h := http.Header{}
	h.Set(headerRateLimit, limit)
	h.Set(headerRateRemaining, remaining)
	h.Set(headerRateReset, strconv.FormatInt(reset.Unix(), 10))
	return h
}

func TestQuotaRate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name      string
		header    http.Header
		wantOK    bool
		wantRPS   float64
		wantBurst int
	}{
		{
			name:      "spreads remaining quota over the window",
			header:    quotaHeader("5000", "100", now.Add(100*time.Second)),
			wantOK:    true,
			wantRPS:   0.9,
			wantBurst: 10,
		},
		{
			name:      "small remaining keeps a burst of one",
			header:    quotaHeader("60", "5", now.Add(10*time.Second)),
			wantOK:    true,
			wantRPS:   0.45,
			wantBurst: 1,
		},
		{name: "no headers", header: http.Header{}},
		{name: "quota spent", header: quotaHeader("60", "0", now.Add(time.Minute))},
		{name: "window already reset", header: quotaHeader("60", "30", now.Add(-time.Second))},
		{name: "garbage", header: quotaHeader("many", "30", now.Add(time.Minute))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rps, burst, ok := quotaRate(tt.header, now)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.InDelta(t, tt.wantRPS, rps, 1e-9)
			assert.Equal(t, tt.wantBurst, burst)
		})
	}
}

func TestDo_AppliesPublishedQuota(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		rps       float64
		burst     int
		wantRPS   float64
		wantBurst int
	}{
		{name: "unlimited client adopts the quota", wantRPS: 0.9, wantBurst: 10},
		{name: "configured pace stays a ceiling", rps: 0.5, burst: 3, wantRPS: 0.5, wantBurst: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _, _ := scriptedServer(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range quotaHeader("5000", "100", time.Now().Add(100*time.Second)) {
					w.Header()[k] = v
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(okEnvelope))
			})
			cfg := testConfig()
			cfg.RequestsPerSecond, cfg.Burst = tt.rps, tt.burst
			c := newTestClient(t, cfg, new(sequenceBootstrapper))

			_, err := c.Do(context.Background(), Request{URL: srv.URL})
			require.NoError(t, err)

			rps, burst := c.limiter.Limits()
			assert.InDelta(t, tt.wantRPS, rps, 0.05)
			assert.Equal(t, tt.wantBurst, burst)
		})
	}
}
