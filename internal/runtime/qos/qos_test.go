package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	w := DefaultWriter()
	assert.Equal(t, Reliable, w.Reliability)
	assert.Equal(t, TransientLocal, w.Durability)
	assert.Equal(t, KeepLast, w.History)
	assert.Equal(t, 1, w.Depth)
	assert.Equal(t, DataSharingAutomatic, w.DataSharing)

	r := DefaultReader()
	assert.Equal(t, BestEffort, r.Reliability)
	assert.Equal(t, Volatile, r.Durability)
	assert.Equal(t, KeepLast, r.History)
	assert.Equal(t, 1, r.Depth)
}

func TestBuildEmptyIntentsKeepDefaults(t *testing.T) {
	w, err := BuildWriter(Intents{})
	require.NoError(t, err)
	assert.Equal(t, DefaultWriter(), w)

	r, err := BuildReader(Intents{})
	require.NoError(t, err)
	assert.Equal(t, DefaultReader(), r)
}

func TestBuildOverrides(t *testing.T) {
	p, err := BuildReader(Intents{
		Reliability: "RELIABLE",
		Durability:  "Transient_Local",
		History:     "keep all",
		DataSharing: "disabled",
	})
	require.NoError(t, err)
	assert.Equal(t, Reliable, p.Reliability)
	assert.Equal(t, TransientLocal, p.Durability)
	assert.Equal(t, KeepAll, p.History)
	assert.Equal(t, DataSharingDisabled, p.DataSharing)
	assert.False(t, p.Bounded())
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      Intents
		wantMsg string
	}{
		{"reliability", Intents{Reliability: "sometimes"}, "reliability"},
		{"durability", Intents{Durability: "forever"}, "durability"},
		{"history", Intents{History: "keep-some"}, "history"},
		{"data sharing", Intents{DataSharing: "maybe"}, "data sharing"},
		{"keep-last depth", Intents{History: "keep-last", Depth: -1}, "depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildWriter(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestBuildJoinsEnumErrors(t *testing.T) {
	_, err := BuildWriter(Intents{Reliability: "x", Durability: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reliability")
	assert.Contains(t, err.Error(), "durability")
}

func TestValidate(t *testing.T) {
	assert.Error(t, Profile{History: KeepLast, Depth: 0}.Validate())
	assert.NoError(t, Profile{History: KeepAll, Depth: 0}.Validate())
	assert.Error(t, Profile{History: KeepAll, Depth: -3}.Validate())
}

func TestCompatible(t *testing.T) {
	reliableTL := Profile{Reliability: Reliable, Durability: TransientLocal}
	bestEffortVolatile := Profile{Reliability: BestEffort, Durability: Volatile}
	reliableVolatile := Profile{Reliability: Reliable, Durability: Volatile}

	assert.True(t, Compatible(reliableTL, bestEffortVolatile), "default writer serves default reader")
	assert.True(t, Compatible(reliableTL, reliableTL))
	assert.True(t, Compatible(bestEffortVolatile, bestEffortVolatile))
	assert.False(t, Compatible(bestEffortVolatile, reliableVolatile), "reader asks for more reliability than offered")
	assert.False(t, Compatible(reliableVolatile, reliableTL), "reader asks for more durability than offered")
}

func TestString(t *testing.T) {
	assert.Equal(t, "reliable/transient-local/keep-last:1/sharing=automatic", DefaultWriter().String())
	assert.Contains(t, Profile{History: KeepAll}.String(), "keep-all:all")
}
