package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=50", 50, 0},
		{"custom offset", "offset=10", defaultPageLimit, 10},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit exceeds max", "limit=500", maxPageLimit, 0},
		{"limit at max", "limit=200", maxPageLimit, 0},
		{"negative limit uses default", "limit=-1", defaultPageLimit, 0},
		{"negative offset uses zero", "offset=-5", defaultPageLimit, 0},
		{"non-numeric limit", "limit=abc", defaultPageLimit, 0},
		{"non-numeric offset", "offset=xyz", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
		{"zero offset", "offset=0", defaultPageLimit, 0},
		{"limit one", "limit=1", 1, 0},
		{"large offset", "offset=999999", defaultPageLimit, 999999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/test"
			if tt.query != "" {
				url += "?" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	tests := []struct {
		name      string
		total     int
		limit     int
		offset    int
		wantFirst int
		wantLen   int
		wantMore  bool
	}{
		{name: "first page", total: 50, limit: 10, offset: 0, wantFirst: 0, wantLen: 10, wantMore: true},
		{name: "second page", total: 50, limit: 10, offset: 10, wantFirst: 10, wantLen: 10, wantMore: true},
		{name: "last page partial", total: 25, limit: 10, offset: 20, wantFirst: 20, wantLen: 5},
		{name: "offset beyond total", total: 5, limit: 10, offset: 100, wantLen: 0},
		{name: "exact fit", total: 10, limit: 10, offset: 0, wantFirst: 0, wantLen: 10},
		{name: "empty collection", total: 0, limit: 10, offset: 0, wantLen: 0},
		{name: "offset at boundary", total: 20, limit: 10, offset: 10, wantFirst: 10, wantLen: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, meta := paginate(items(tt.total), tt.limit, tt.offset)
			assert.Len(t, page, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirst, page[0])
			}
			assert.Equal(t, tt.total, meta.TotalCount, "total_count")
			assert.Equal(t, tt.wantMore, meta.HasMore, "has_more")
			assert.Equal(t, tt.limit, meta.Limit, "limit")
			assert.Equal(t, tt.offset, meta.Offset, "offset")
		})
	}
}
