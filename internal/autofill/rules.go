package autofill

import (
	"strings"

	"github.com/spigell/autofill/internal/form"
)

// Category is the semantic meaning assigned to a form control.
type Category string

const (
	NoMatch     Category = ""
	FirstName   Category = "first_name"
	LastName    Category = "last_name"
	FullName    Category = "full_name"
	Email       Category = "email"
	Phone       Category = "phone"
	LinkedIn    Category = "linkedin"
	GitHub      Category = "github"
	Portfolio   Category = "portfolio"
	PostalCode  Category = "postal_code"
	City        Category = "city"
	State       Category = "state"
	Street      Category = "street"
	Location    Category = "location"
	Institution Category = "institution"
	JobTitle    Category = "job_title"
	Company     Category = "company"
	Smart       Category = "smart"
	OpenEnded   Category = "open_ended"
)

// Generated reports whether values of this category always come from the
// language model rather than from the profile.
func (c Category) Generated() bool {
	switch c {
	case PostalCode, City, State, Street, Smart, OpenEnded:
		return true
	}
	return false
}

// Rule maps a control onto a category. A rule applies when its guard holds,
// one of its keywords (or its extra predicate) matches and none of its
// exclusions match. A rule with neither keywords nor predicate matches every
// control its guard admits.
type Rule struct {
	Category Category
	Any      []string
	None     []string
	Also     func(form.FieldDescriptor) bool
	Guard    func(form.FieldDescriptor) bool
}

// Matches evaluates the rule against a descriptor and its precomputed haystack.
func (r Rule) Matches(d form.FieldDescriptor, haystack string) bool {
	if r.Guard != nil && !r.Guard(d) {
		return false
	}

	positive := len(r.Any) == 0 && r.Also == nil
	if !positive && r.Also != nil {
		positive = r.Also(d)
	}
	if !positive {
		positive = containsAny(haystack, r.Any)
	}
	if !positive {
		return false
	}

	return !containsAny(haystack, r.None)
}

func containsAny(haystack string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

func notTextArea(d form.FieldDescriptor) bool { return d.Control != form.TextArea }

func isTextArea(d form.FieldDescriptor) bool { return d.Control == form.TextArea }

func isPlainTextInput(d form.FieldDescriptor) bool {
	return d.Control == form.Text && (d.InputType == "" || d.InputType == "text")
}

// personName admits single-line controls that are not email inputs, whose
// placeholders ("name@example.com") would otherwise read as a name.
func personName(d form.FieldDescriptor) bool { return notTextArea(d) && !emailAttributes(d) }

func notFileInput(d form.FieldDescriptor) bool { return d.InputType != "file" }

func emailAttributes(d form.FieldDescriptor) bool {
	return d.InputType == "email" || strings.EqualFold(d.Autocomplete, "email")
}

// DefaultRules is the rule table in precedence order. Order matters: the name
// rules must run before anything that could contain "name", and the location
// parts before the generic location rule.
func DefaultRules() []Rule {
	return []Rule{
		{Category: FirstName, Guard: notTextArea, Any: []string{"first name", "firstname", "given name"}},
		{Category: LastName, Guard: notTextArea, Any: []string{"last name", "lastname", "surname", "family name"}},
		{
			Category: FullName,
			Guard:    personName,
			Any:      []string{"full name", "fullname", "your name", "name"},
			None:     []string{"email", "project", "company", "host", "school", "institution", "employer", "message", "cover", "intro", "preferred"},
		},
		{Category: Email, Guard: notFileInput, Any: []string{"email"}, Also: emailAttributes},
		{Category: Phone, Any: []string{"phone", "mobile", "tel", "contact number"}},
		{Category: LinkedIn, Any: []string{"linkedin"}},
		{Category: GitHub, Any: []string{"github", "git"}},
		{Category: Portfolio, Any: []string{"portfolio", "personal site"}},
		{
			Category: Portfolio,
			Any:      []string{"website", "url"},
			None:     []string{"company", "apply", "job", "description", "employer"},
		},
		{Category: PostalCode, Any: []string{"zip", "postal", "pin code", "pincode", "postcode", "zipcode"}},
		{
			Category: City,
			Any:      []string{"city", "town"},
			None:     []string{"university", "college", "school", "employer", "address"},
		},
		{
			Category: State,
			Any:      []string{"state", "province", "region", "territory"},
			None:     []string{"united states", "country"},
		},
		{Category: Street, Any: []string{"address line 1", "street address", "address 1"}},
		{
			Category: Street,
			Any:      []string{"address"},
			None:     []string{"line 2", "line 3", "unit", "city", "state", "zip", "postal", "code", "link", "url", "email", "ip"},
		},
		{
			Category: Location,
			Any:      []string{"location", "where are you based", "country"},
			None: []string{
				"zip", "postal", "code", "pin", "zipcode", "job", "company", "employer", "school", "university",
				"college", "url", "website", "link", "city", "state", "street", "address", "search", "alert",
			},
		},
		{Category: Institution, Any: []string{"college", "university", "institution", "school", "education"}},
		{Category: JobTitle, Any: []string{"job title", "role", "current position", "designation"}},
		{
			Category: Company,
			Any:      []string{"company", "employer", "current organization"},
			None:     []string{"summary", "description", "why", "interest", "about", "working", "choose", "website", "message", "note"},
		},
		{
			Category: Smart,
			Any: []string{
				"salary", "expected", "notice", "experience", "years", "availability", "gender", "race",
				"ethnicity", "veteran", "disability", "citizenship", "authorization", "sponsorship",
			},
		},
		{Category: OpenEnded, Guard: isTextArea},
		{
			Category: OpenEnded,
			Guard:    isPlainTextInput,
			Any:      []string{"why", "describe", "tell", "what", "how", "summary", "about", "cover", "message", "note"},
		},
	}
}
