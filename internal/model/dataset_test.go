package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionBumps(t *testing.T) {
	v := Version{Major: 1, Minor: 2}
	assert.Equal(t, Version{Major: 2, Minor: 0}, v.BumpMajor())
	assert.Equal(t, Version{Major: 1, Minor: 3}, v.BumpMinor())
	assert.Equal(t, "1.2", v.String())
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("2.10")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 2, Minor: 10}, v)

	for _, s := range []string{"", "1", "1.x", "-1.0", "1.-2"} {
		_, err := ParseVersion(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestPrePublication(t *testing.T) {
	assert.True(t, VersionStatusProcessing.PrePublication())
	assert.True(t, VersionStatusDraft.PrePublication())
	assert.False(t, VersionStatusPublished.PrePublication())
	assert.False(t, VersionStatusDeprecated.PrePublication())
	assert.False(t, VersionStatusWithdrawn.PrePublication())
}

func TestImportStageOrder(t *testing.T) {
	// Walking Next from the start visits every stage exactly once.
	var visited []ImportStage
	for s := StagePending; !s.Done(); s = s.Next() {
		visited = append(visited, s.Next())
	}
	require.Len(t, visited, int(StageComplete-StagePending))
	assert.Equal(t, StageValidateInput, visited[0])
	assert.Equal(t, StageComplete, visited[len(visited)-1])

	assert.Equal(t, StageComplete, StageComplete.Next())
}

func TestImportStageRoundTrip(t *testing.T) {
	for s := StagePending; ; s = s.Next() {
		parsed, err := ParseImportStage(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
		if s.Done() {
			break
		}
	}

	_, err := ParseImportStage("warp")
	assert.Error(t, err)
}
