package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhigham/telefleet/internal/domain"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		raw     string
		want    domain.Identity
		wantErr bool
	}{
		{"+226 70 12 34 56", "22670123456", false},
		{"24165726941", "24165726941", false},
		{"(555) 123-4567", "5551234567", false},
		{"1234567", "", true},
		{"", "", true},
		{"abc-def-ghij", "", true},
	}

	for _, tt := range tests {
		got, err := domain.ParseIdentity(tt.raw)
		if tt.wantErr {
			require.ErrorIs(t, err, domain.ErrInvalidIdentity, "raw=%q", tt.raw)
			continue
		}
		require.NoError(t, err, "raw=%q", tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestGroupMetadata_Find(t *testing.T) {
	meta := domain.GroupMetadata{
		Subject: "Team",
		Participants: []domain.Participant{
			{ID: "1@user", Admin: "superadmin"},
			{ID: "2@user"},
		},
	}

	p, ok := meta.Find("1@user")
	require.True(t, ok)
	assert.True(t, p.IsAdmin())

	p, ok = meta.Find("2@user")
	require.True(t, ok)
	assert.False(t, p.IsAdmin())

	_, ok = meta.Find("3@user")
	assert.False(t, ok)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "absent", domain.StateAbsent.String())
	assert.Equal(t, "awaiting-pairing", domain.StateAwaitingPairing.String())
	assert.Equal(t, "open", domain.StateOpen.String())
}
