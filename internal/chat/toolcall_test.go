package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/llm"
)

func TestToolCallAccumulatorLifecycle(t *testing.T) {
	var acc ToolCallAccumulator
	assert.Equal(t, ToolCallIdle, acc.State())
	assert.Nil(t, acc.Complete(), "no fragments means no calls")
	assert.Equal(t, ToolCallIdle, acc.State())

	require.NoError(t, acc.Add(llm.ToolCallFragment{Index: 0, ID: "call_1", Name: "create_contact", Arguments: `{"first`}))
	assert.Equal(t, ToolCallAccumulating, acc.State())
	require.NoError(t, acc.Add(llm.ToolCallFragment{Index: 0, Arguments: `Name":"Ada"}`}))

	calls := acc.Complete()
	require.Len(t, calls, 1)
	assert.Equal(t, ToolCall{Index: 0, ID: "call_1", Name: "create_contact", Arguments: `{"firstName":"Ada"}`}, calls[0])
	assert.Equal(t, ToolCallComplete, acc.State())

	err := acc.Add(llm.ToolCallFragment{Index: 1, Name: "late"})
	assert.ErrorIs(t, err, ErrToolCallComplete)
}

func TestToolCallAccumulatorKeepsFirstNameAndOrdersByIndex(t *testing.T) {
	var acc ToolCallAccumulator
	fragments := []llm.ToolCallFragment{
		{Index: 2, ID: "c", Name: "fetch_courses", Arguments: `{}`},
		{Index: 0, ID: "a", Name: "create_contact", Arguments: `{"email":`},
		{Index: 0, Name: "ignored", Arguments: `"a@b.c"}`},
		{Index: 1, ID: "b", Name: "create_booking"},
	}
	for _, f := range fragments {
		require.NoError(t, acc.Add(f))
	}

	calls := acc.Complete()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"create_contact", "create_booking", "fetch_courses"},
		[]string{calls[0].Name, calls[1].Name, calls[2].Name})
	assert.Equal(t, `{"email":"a@b.c"}`, calls[0].Arguments)
	assert.Empty(t, calls[1].Arguments)
}

func TestToolCallStateString(t *testing.T) {
	assert.Equal(t, "idle", ToolCallIdle.String())
	assert.Equal(t, "accumulating", ToolCallAccumulating.String())
	assert.Equal(t, "complete", ToolCallComplete.String())
	assert.Equal(t, "state(9)", ToolCallState(9).String())
}

type fakeCatalog struct {
	items []domain.CatalogItem
	err   error
}

func (c fakeCatalog) ListPublishedCatalog(context.Context, string, int) ([]domain.CatalogItem, error) {
	return c.items, c.err
}

func TestPromptGroupsCatalogByCategory(t *testing.T) {
	persona := Persona{PracticeName: "Hawkins Trichology", PractitionerName: "Lorraine"}
	catalog := fakeCatalog{items: []domain.CatalogItem{
		{Title: "Scalp consultation", Category: "service", Description: "One to one assessment", PriceAmount: "120", Currency: "GBP"},
		{Title: "Hair science basics", Category: "video", Level: "beginner", Description: "Foundations"},
		{Title: "Practitioner weekend", Category: "intensive", PriceAmount: "950", Currency: "GBP", Location: "London", Description: "Hands-on", UpcomingSessions: 2},
	}}

	prompt := NewPromptBuilder(persona, catalog, quietLogger()).Build(context.Background())
	assert.Contains(t, prompt, "Lorraine's AI assistant for Hawkins Trichology")
	assert.Contains(t, prompt, "- Scalp consultation: One to one assessment, £120")
	assert.Contains(t, prompt, "- Hair science basics (beginner): price on request. Foundations")
	assert.Contains(t, prompt, "- Practitioner weekend: £950, London. Hands-on 2 upcoming sessions.")
	assert.NotContains(t, prompt, "catalog is unavailable")
}

func TestPromptWithoutCatalog(t *testing.T) {
	persona := Persona{PracticeName: "Hawkins Trichology", PractitionerName: "Lorraine"}
	prompt := NewPromptBuilder(persona, fakeCatalog{err: errors.New("db down")}, quietLogger()).Build(context.Background())
	assert.Contains(t, prompt, "catalog is unavailable")
	assert.Contains(t, prompt, "Hawkins Trichology")
}
