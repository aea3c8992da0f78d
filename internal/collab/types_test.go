package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDelta(t *testing.T) {
	cases := []struct {
		name    string
		content string
		d       Delta
		want    string
		wantErr bool
	}{
		{"insert into empty", "", Delta{Pos: 0, Insert: "hi"}, "hi", false},
		{"append", "hi", Delta{Pos: 2, Insert: "!"}, "hi!", false},
		{"replace middle", "hello world", Delta{Pos: 6, Delete: 5, Insert: "gopher"}, "hello gopher", false},
		{"delete only", "abcdef", Delta{Pos: 1, Delete: 3}, "aef", false},
		{"negative pos", "abc", Delta{Pos: -1, Insert: "x"}, "", true},
		{"pos past end", "abc", Delta{Pos: 4, Insert: "x"}, "", true},
		{"delete past end", "abc", Delta{Pos: 2, Delete: 5}, "", true},
		{"negative delete", "abc", Delta{Pos: 0, Delete: -1}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := applyDelta(tc.content, tc.d)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseDelta(t *testing.T) {
	d, err := parseDelta(`{"pos":3,"delete":1,"insert":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, Delta{Pos: 3, Delete: 1, Insert: "x"}, d)

	_, err = parseDelta("{broken")
	assert.Error(t, err)
}

func TestRoles(t *testing.T) {
	assert.False(t, RoleRead.CanWrite())
	assert.True(t, RoleWrite.CanWrite())
	assert.True(t, RoleAdmin.CanWrite())

	_, err := ParseRole("owner")
	assert.Error(t, err)
	r, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)
}
