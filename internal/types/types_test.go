package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivacyModeIsValid(t *testing.T) {
	assert.True(t, PrivacyPrivate.IsValid())
	assert.True(t, PrivacyPublic.IsValid())
	assert.True(t, PrivacyMonetizable.IsValid())
	assert.False(t, PrivacyMode("shared").IsValid())
	assert.False(t, PrivacyMode("").IsValid())
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, StageIndex(StageCreated))
	assert.Equal(t, 4, StageIndex(StageHighValue))
	assert.Equal(t, -1, StageIndex(StageName("dormant")))
}

func TestBatchResultRecord(t *testing.T) {
	r := NewBatchResult("sync")
	r.Record(BatchItem{ID: "a", Status: ItemSuccess})
	r.Record(BatchItem{ID: "b", Status: ItemSkipped})
	r.Record(BatchItem{ID: "c", Status: ItemFailed, Error: "timeout"})
	r.Finish()

	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.Failed)
	assert.True(t, r.Partial())
	assert.False(t, r.FinishedAt.IsZero())
}
