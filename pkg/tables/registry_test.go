package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry()
	assert.Error(t, err)

	_, err = NewRegistry(AppIngress, AppIngress)
	assert.Error(t, err)

	r, err := NewRegistry(DefaultApps...)
	require.NoError(t, err)
	assert.Equal(t, DefaultApps, r.Apps())
}

func TestRegistry_TableNum(t *testing.T) {
	r, err := NewRegistry(DefaultApps...)
	require.NoError(t, err)

	tests := []struct {
		app      string
		want     flows.TableID
		wantNext flows.TableID
		nextErr  error
	}{
		{app: AppIngress, want: 0, wantNext: 1},
		{app: AppARPD, want: 1, wantNext: 2},
		{app: AppCheckQuota, want: 2, wantNext: 3},
		{app: AppEgress, want: 3, nextErr: ErrLastTable},
	}

	for _, tt := range tests {
		t.Run(tt.app, func(t *testing.T) {
			got, err := r.TableNum(tt.app)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			next, err := r.NextTableNum(tt.app)
			if tt.nextErr != nil {
				assert.ErrorIs(t, err, tt.nextErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, next)
		})
	}

	_, err = r.TableNum("enforcement")
	assert.ErrorIs(t, err, ErrUnknownApp)
	_, err = r.NextTableNum("enforcement")
	assert.ErrorIs(t, err, ErrUnknownApp)
}

func TestRegistry_AllocateScratchTables(t *testing.T) {
	r, err := NewRegistry(DefaultApps...)
	require.NoError(t, err)

	quota, err := r.AllocateScratchTables(AppCheckQuota, 1)
	require.NoError(t, err)
	assert.Equal(t, []flows.TableID{ScratchTableStart}, quota)

	again, err := r.AllocateScratchTables(AppCheckQuota, 1)
	require.NoError(t, err)
	assert.Equal(t, quota, again)

	arpd, err := r.AllocateScratchTables(AppARPD, 2)
	require.NoError(t, err)
	assert.Equal(t, []flows.TableID{ScratchTableStart + 1, ScratchTableStart + 2}, arpd)

	_, err = r.AllocateScratchTables("unknown", 1)
	assert.ErrorIs(t, err, ErrUnknownApp)

	_, err = r.AllocateScratchTables(AppEgress, 100)
	assert.ErrorIs(t, err, ErrScratchExhausted)

	for _, n := range []int{0, -1} {
		_, err = r.AllocateScratchTables(AppEgress, n)
		assert.Error(t, err, "n=%d", n)
	}
}
