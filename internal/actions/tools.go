package actions

import (
	"fmt"
	"strings"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/llm"
)

// Function names the model uses to request actions.
const (
	ToolCreateContact       = "create_contact"
	ToolSubmitCourseEnquiry = "submit_course_enquiry"
	ToolBookConsultation    = "book_consultation"
	ToolGetAvailableCourses = "get_available_courses"
)

var toolKinds = map[string]domain.ActionKind{
	ToolCreateContact:       domain.ActionCreateContact,
	ToolSubmitCourseEnquiry: domain.ActionCreateEnquiry,
	ToolBookConsultation:    domain.ActionCreateBooking,
	ToolGetAvailableCourses: domain.ActionFetchCatalog,
}

// KindForTool maps a model function name to its action kind.
func KindForTool(name string) (domain.ActionKind, bool) {
	kind, ok := toolKinds[name]
	return kind, ok
}

// ToolForKind maps an action kind to the function name the model sees.
func ToolForKind(kind domain.ActionKind) string {
	for name, k := range toolKinds {
		if k == kind {
			return name
		}
	}
	return ""
}

// adminActionTypes are the action type names accepted by the back office.
var adminActionTypes = map[string]domain.ActionKind{
	"CREATE_CONTACT": domain.ActionCreateContact,
	"CREATE_ENQUIRY": domain.ActionCreateEnquiry,
	"CREATE_BOOKING": domain.ActionCreateBooking,
	"FETCH_COURSES":  domain.ActionFetchCatalog,
}

// ParseActionType resolves a back-office action type such as CREATE_CONTACT,
// or a kind such as create-contact.
func ParseActionType(s string) (domain.ActionKind, error) {
	if kind, ok := adminActionTypes[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return kind, nil
	}
	kind, err := domain.ParseActionKind(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, s)
	}
	return kind, nil
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// Definitions returns the tool schemas attached to every completion request.
func Definitions(practitioner string) []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name: ToolCreateContact,
			Description: "Create or update a contact in the CRM system. Use this when the user provides " +
				"their contact details and consents to being contacted.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"firstName": stringProp("First name of the contact"),
					"lastName":  stringProp("Last name of the contact"),
					"email":     stringProp("Email address"),
					"phone":     stringProp("Phone number (optional)"),
					"notes":     stringProp("Any relevant notes from the conversation"),
				},
				"required": []string{"firstName", "lastName", "email"},
			},
		},
		{
			Name: ToolSubmitCourseEnquiry,
			Description: "Submit an enquiry about a specific course or training program. " +
				"Use when the user wants more information or to enroll.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"courseName": stringProp("Name of the course they're interested in"),
					"name":       stringProp("Full name"),
					"email":      stringProp("Email address"),
					"phone":      stringProp("Phone number (optional)"),
					"message":    stringProp("Their question or message about the course"),
				},
				"required": []string{"courseName", "name", "email", "message"},
			},
		},
		{
			Name: ToolBookConsultation,
			Description: fmt.Sprintf("Create a consultation booking request. Use when the user wants to book "+
				"a scalp health consultation with %s.", practitioner),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":          stringProp("Full name"),
					"email":         stringProp("Email address"),
					"phone":         stringProp("Phone number"),
					"concern":       stringProp("Brief description of their scalp/hair concern"),
					"preferredTime": stringProp("Their preferred time/date if mentioned (optional)"),
				},
				"required": []string{"name", "email", "phone", "concern"},
			},
		},
		{
			Name:        ToolGetAvailableCourses,
			Description: "Fetch detailed information about available courses and training programs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{
						"type":        "string",
						"description": "Filter by category (optional)",
						"enum":        []string{"video", "intensive", "all"},
					},
				},
			},
		},
	}
}
