package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskscope/taskscope/internal/model"
)

func TestValidateTaskKind(t *testing.T) {
	assert.NoError(t, model.ValidateTaskKind(model.TaskKindSpawn))
	assert.NoError(t, model.ValidateTaskKind(model.TaskKindBlocking))
	assert.Error(t, model.ValidateTaskKind("interrupt"))
}

func TestTaskUpdateEmpty(t *testing.T) {
	u := model.TaskUpdate{Now: time.Now()}
	assert.True(t, u.Empty(), "an update with only a timestamp is empty")

	u.StatsUpdate = map[model.TaskID]model.Stats{1: {}}
	assert.False(t, u.Empty())
}

func TestStatsOptionalFieldsOmittedUntilSet(t *testing.T) {
	// "Not yet occurred" must serialize as absence, not a zero timestamp.
	data, err := json.Marshal(model.Stats{CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first_poll")
	assert.NotContains(t, string(data), "last_wake")

	now := time.Now()
	data, err = json.Marshal(model.Stats{CreatedAt: now, FirstPoll: &now})
	require.NoError(t, err)
	assert.Contains(t, string(data), "first_poll")
}
