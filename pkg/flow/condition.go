package flow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
)

// evalCondition evaluates a condition node against session variables and
// contact fields. Config keys: "operator" plus "variable" (session
// variable name) or "value" (comparison operand / tag name).
//
// Operators: equals, not_equals, contains, exists, has_tag.
func evalCondition(node *models.FlowNode, session *models.FlowSession, contact *models.Contact) (bool, error) {
	operator, _ := node.Config["operator"].(string)
	if operator == "" {
		return false, fmt.Errorf("condition node %s has no operator", node.ID)
	}

	value, _ := node.Config["value"].(string)

	if operator == "has_tag" {
		return contact.HasTag(value), nil
	}

	variable, _ := node.Config["variable"].(string)
	if variable == "" {
		variable = models.VarLastInput
	}

	operand := lookupOperand(variable, session, contact)

	switch operator {
	case "exists":
		return operand != "", nil
	case "equals":
		return strings.EqualFold(strings.TrimSpace(operand), strings.TrimSpace(value)), nil
	case "not_equals":
		return !strings.EqualFold(strings.TrimSpace(operand), strings.TrimSpace(value)), nil
	case "contains":
		return strings.Contains(strings.ToLower(operand), strings.ToLower(value)), nil
	default:
		return false, fmt.Errorf("condition node %s has unknown operator %q", node.ID, operator)
	}
}

func lookupOperand(variable string, session *models.FlowSession, contact *models.Contact) string {
	switch variable {
	case "contact_name":
		return contact.Name
	case "contact_phone":
		return contact.Phone
	}

	raw, ok := session.Variables[variable]
	if !ok {
		return ""
	}

	switch v := raw.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
