package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRange(t *testing.T) {
	tests := []struct {
		name    string
		req     PageRequest
		total   int
		wantErr bool
		msg     string
	}{
		{name: "first page of empty set", req: PageRequest{Page: 1, Limit: 10}, total: 0},
		{name: "second page of empty set", req: PageRequest{Page: 2, Limit: 10}, total: 0, wantErr: true, msg: "No records found. Only page 1 is available."},
		{name: "exact fit last page", req: PageRequest{Page: 1, Limit: 10}, total: 10},
		{name: "page past exact fit", req: PageRequest{Page: 2, Limit: 10}, total: 10, wantErr: true, msg: "Page 2 is out of range. Total pages available: 1"},
		{name: "partial last page", req: PageRequest{Page: 3, Limit: 10}, total: 21},
		{name: "past partial last page", req: PageRequest{Page: 4, Limit: 10}, total: 21, wantErr: true, msg: "Page 4 is out of range. Total pages available: 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRange(tt.req, tt.total)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPageOutOfRange))
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Equal(t, tt.msg, err.Error())
		})
	}
}

func TestNewPage(t *testing.T) {
	p := NewPage([]int{1, 2, 3}, PageRequest{Page: 2, Limit: 3}, 8)
	assert.Equal(t, Pagination{Page: 2, Limit: 3, Total: 8, TotalPages: 3, HasNext: true, HasPrev: true}, p.Pagination)

	empty := NewPage[int](nil, PageRequest{Page: 1, Limit: 10}, 0)
	assert.NotNil(t, empty.Data)
	assert.Empty(t, empty.Data)
	assert.False(t, empty.Pagination.HasNext)
	assert.False(t, empty.Pagination.HasPrev)
}

func TestPageRequestDefaultsAndValidate(t *testing.T) {
	r := PageRequest{}.WithDefaults()
	assert.Equal(t, PageRequest{Page: 1, Limit: 10}, r)
	assert.NoError(t, r.Validate())
	assert.Equal(t, 0, r.Offset())
	assert.Equal(t, 20, PageRequest{Page: 3, Limit: 10}.Offset())

	assert.ErrorIs(t, PageRequest{Page: -1, Limit: 10}.Validate(), ErrValidation)
	assert.ErrorIs(t, PageRequest{Page: 1, Limit: -5}.Validate(), ErrValidation)
}

func TestWithDefaultsKeepsExplicitFields(t *testing.T) {
	assert.Equal(t, PageRequest{Page: 4, Limit: DefaultLimit}, PageRequest{Page: 4}.WithDefaults())
	assert.Equal(t, PageRequest{Page: DefaultPage, Limit: 25}, PageRequest{Limit: 25}.WithDefaults())
}

func TestForbiddenf(t *testing.T) {
	err := Forbiddenf("Access denied: user %d", 7)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "Access denied: user 7", err.Error())
	assert.True(t, IsClassified(err))
}

func TestInternalHidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Internal(cause)
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, err.Error(), "connection refused")
	assert.True(t, IsClassified(err))
	assert.False(t, IsClassified(cause))
}
