package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflow/zapflow/pkg/models"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{"name": "Alice"}

	result, err := Render("Hi {{ .name }}!", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice!", result)
}

func TestRender_FirstName(t *testing.T) {
	data := map[string]any{"name": "Alice Smith"}

	result, err := Render("Hi {{ firstName .name }}!", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice!", result)

	result, err = Render("{{ firstName \"\" }}", data)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("Hi {{ .name", nil)
	require.Error(t, err)
}

func TestRenderForSession(t *testing.T) {
	session := &models.FlowSession{
		ID:     "s1",
		FlowID: "f1",
		Variables: map[string]any{
			"trigger": "vip",
		},
	}
	contact := &models.Contact{Name: "Bob Jones", Phone: "5511999990000"}

	result, err := RenderForSession("Hello {{ .contact.name }}, trigger was {{ .vars.trigger }}", session, contact)
	require.NoError(t, err)
	assert.Equal(t, "Hello Bob Jones, trigger was vip", result)
}

func TestRenderForSession_MissingVariableFails(t *testing.T) {
	session := &models.FlowSession{Variables: map[string]any{}}
	contact := &models.Contact{Name: "Bob", Phone: "551100"}

	_, err := RenderForSession("{{ .vars.missing }}", session, contact)
	require.Error(t, err)
}
