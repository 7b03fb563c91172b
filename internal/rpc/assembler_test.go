package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/task/models"
)

func TestAccumulatorFlushText(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeText, TextDelta: "Hello"}))
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeText, TextDelta: " world!"}))

	content, err := acc.flush()
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeText, content.Type)
	assert.Equal(t, models.AuthorAgent, content.Author)
	assert.Equal(t, "Hello world!", content.Text)
}

func TestAccumulatorFlushDataParsesJSON(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeData, DataDelta: `{"temp`}))
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeData, DataDelta: `":21}`}))

	content, err := acc.flush()
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeData, content.Type)
	assert.Equal(t, float64(21), content.Data["temp"])
}

func TestAccumulatorFlushDataRejectsMalformedJSON(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeData, DataDelta: `{"broken`}))

	_, err := acc.flush()
	assert.ErrorIs(t, err, storage.ErrClient)
}

func TestAccumulatorFlushToolRequest(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{
		Type:           models.DeltaTypeToolRequest,
		ToolCallID:     "call-1",
		Name:           "get_weather",
		ArgumentsDelta: `{"loc`,
	}))
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeToolRequest, ArgumentsDelta: `ation":"SF"}`}))

	content, err := acc.flush()
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeToolRequest, content.Type)
	assert.Equal(t, "call-1", content.ToolCallID)
	assert.Equal(t, "get_weather", content.Name)
	assert.Equal(t, "SF", content.Arguments["location"])
}

func TestAccumulatorFlushToolResponse(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{
		Type:         models.DeltaTypeToolResponse,
		ToolCallID:   "call-1",
		Name:         "get_weather",
		ContentDelta: "Sun",
	}))
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeToolResponse, ContentDelta: "ny"}))

	content, err := acc.flush()
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeToolResponse, content.Type)
	assert.Equal(t, "Sunny", content.ToolContent)
}

func TestAccumulatorFlushReasoning(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeReasoningContent, ContentDelta: "thinking "}))
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeReasoningContent, ContentDelta: "hard"}))

	content, err := acc.flush()
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeReasoning, content.Type)
	assert.Equal(t, []string{"thinking hard"}, content.Reasoning)
	assert.Empty(t, content.Summary)

	var summary accumulator
	require.NoError(t, summary.add(&models.Delta{Type: models.DeltaTypeReasoningSummary, SummaryDelta: "tl;dr"}))
	content, err = summary.flush()
	require.NoError(t, err)
	assert.Equal(t, []string{"tl;dr"}, content.Summary)
	assert.Empty(t, content.Reasoning)
}

func TestAccumulatorRejectsMixedDeltaTypes(t *testing.T) {
	var acc accumulator
	require.NoError(t, acc.add(&models.Delta{Type: models.DeltaTypeText, TextDelta: "a"}))

	err := acc.add(&models.Delta{Type: models.DeltaTypeData, DataDelta: "{}"})
	assert.ErrorIs(t, err, storage.ErrClient)
}

func TestSynthesizeContentCarriesIdentifiers(t *testing.T) {
	content, err := synthesizeContent(&models.Delta{
		Type:       models.DeltaTypeToolRequest,
		ToolCallID: "call-9",
		Name:       "search",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeToolRequest, content.Type)
	assert.Equal(t, models.AuthorAgent, content.Author)
	assert.Equal(t, "call-9", content.ToolCallID)
	assert.Equal(t, "search", content.Name)

	content, err = synthesizeContent(&models.Delta{Type: models.DeltaTypeReasoningSummary})
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeReasoning, content.Type)

	_, err = synthesizeContent(&models.Delta{Type: "bogus"})
	assert.ErrorIs(t, err, storage.ErrClient)
}

// Flushing N deltas must equal parsing the one-shot concatenation.
func TestAccumulatorFlushEquivalence(t *testing.T) {
	fragments := []string{`{"a":`, `[1,`, `2,3],"b":`, `"x"}`}

	var piecewise accumulator
	for _, f := range fragments {
		require.NoError(t, piecewise.add(&models.Delta{Type: models.DeltaTypeData, DataDelta: f}))
	}
	var oneShot accumulator
	require.NoError(t, oneShot.add(&models.Delta{Type: models.DeltaTypeData, DataDelta: `{"a":[1,2,3],"b":"x"}`}))

	got, err := piecewise.flush()
	require.NoError(t, err)
	want, err := oneShot.flush()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
