package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/database"
	"dataset-trainer-go/pkg/tasks"
)

func TestUsageHandlerPersistsOnce(t *testing.T) {
	repo := repository.NewUsageRepository(database.OpenTest(t))
	r := NewUsageRecorder(repo)
	handle := r.Handler()
	ctx := context.Background()

	ev := tasks.UsageEvent{ID: "u1", TeamID: "team1", Source: "training", Model: "m", InputTokens: 7, OutputTokens: 3}
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, handle(ctx, kafkago.Message{Value: body}))
	require.NoError(t, handle(ctx, kafkago.Message{Value: body}))
	require.NoError(t, handle(ctx, kafkago.Message{Value: []byte("not json")}))
	require.NoError(t, r.Publish(ctx, "team1", tasks.UsageEvent{ID: "u2", TeamID: "team1", Source: "search", Model: "m", InputTokens: 1}))

	in, out, err := repo.SumByTeam(ctx, "team1")
	require.NoError(t, err)
	assert.EqualValues(t, 8, in)
	assert.EqualValues(t, 3, out)
}
