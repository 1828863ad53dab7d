// Package template renders outbound message text against session state.
package template

import (
	"crypto/rand"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/zapflow/zapflow/pkg/models"
)

// RenderForSession renders a message node's text with the session's
// variables plus contact fields. Unknown placeholders fail rather than
// leaking template syntax to the contact.
func RenderForSession(input string, session *models.FlowSession, contact *models.Contact) (string, error) {
	data := map[string]any{
		"vars":      session.Variables,
		"variables": session.Variables,
		"contact": map[string]any{
			"name":  contact.Name,
			"phone": contact.Phone,
			"tags":  contact.Tags,
		},
		"session": map[string]any{
			"id":      session.ID,
			"flow_id": session.FlowID,
		},
	}

	return Render(input, data)
}

func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("message").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"firstName": func(name string) string {
				name = strings.TrimSpace(name)
				if name == "" {
					return ""
				}

				return strings.Fields(name)[0]
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}
