package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultPageLimit, 0},
		{"limit=10", 10, 0},
		{"offset=20", defaultPageLimit, 20},
		{"limit=5&offset=5", 5, 5},
		{"limit=100000", maxPageLimit, 0},
		{"offset=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/admin/audit?"+tt.query, nil)
		limit, offset, err := parsePagination(r)
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.wantLimit, limit, tt.query)
		assert.Equal(t, tt.wantOffset, offset, tt.query)
	}

	for _, bad := range []string{"limit=0", "limit=-1", "limit=ten", "offset=-5", "offset=x"} {
		r := httptest.NewRequest("GET", "/admin/audit?"+bad, nil)
		_, _, err := parsePagination(r)
		assert.Error(t, err, bad)
	}
}

func TestPaginate(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	page, meta := paginate(items, 2, 0)
	assert.Equal(t, []string{"a", "b"}, page)
	assert.Equal(t, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 0, HasMore: true}, meta)

	page, meta = paginate(items, 2, 4)
	assert.Equal(t, []string{"e"}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, 10, 0)
	assert.Len(t, page, 5)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, 2, 99)
	assert.Empty(t, page)
	assert.Equal(t, 99, meta.Offset)
	assert.False(t, meta.HasMore)

	page, meta = paginate([]string(nil), 2, 0)
	assert.Empty(t, page)
	assert.Zero(t, meta.TotalCount)
}
