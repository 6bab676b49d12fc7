package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scanPage struct {
	keys   []string
	values []interface{}
	next   uint64
}

type fakeClient struct {
	pages   map[uint64]scanPage
	scanErr error
}

func (f *fakeClient) Scan(_ context.Context, cursor uint64, match string, _ int64) *redis.ScanCmd {
	if f.scanErr != nil {
		return redis.NewScanCmdResult(nil, 0, f.scanErr)
	}
	p := f.pages[cursor]
	return redis.NewScanCmdResult(p.keys, p.next, nil)
}

func (f *fakeClient) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	for _, p := range f.pages {
		if len(p.keys) > 0 && p.keys[0] == keys[0] {
			return redis.NewSliceResult(p.values, nil)
		}
	}
	return redis.NewSliceResult(nil, errors.New("unexpected keys"))
}

func TestBoundsCache_LoadBoundsAcrossPages(t *testing.T) {
	client := &fakeClient{pages: map[uint64]scanPage{
		0: {
			keys:   []string{"tinvest:bounds:A", "tinvest:bounds:B"},
			values: []interface{}{`{"figi":"A","limit_up":"110","limit_down":"90"}`, nil},
			next:   7,
		},
		7: {
			keys:   []string{"tinvest:bounds:C", "tinvest:bounds:D"},
			values: []interface{}{`{"historical_high":"200"}`, `not json`},
		},
	}}
	logger, hook := logtest.NewNullLogger()
	c := NewBoundsCache(client, logger)

	bounds, err := c.LoadBounds(context.Background())
	require.NoError(t, err)
	require.Len(t, bounds, 2)

	assert.True(t, decimal.NewFromInt(110).Equal(bounds["A"].LimitUp))
	assert.Equal(t, "C", bounds["C"].Figi, "figi falls back to the key")
	assert.True(t, bounds["C"].HasHistorical())
	assert.Equal(t, "Skipping bounds document", hook.LastEntry().Message)
}

func TestBoundsCache_ScanError(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	c := NewBoundsCache(&fakeClient{scanErr: errors.New("connection refused")}, logger)

	_, err := c.LoadBounds(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}
