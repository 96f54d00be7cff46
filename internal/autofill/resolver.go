package autofill

import (
	"fmt"
	"strings"

	"github.com/spigell/autofill/internal/form"
	"github.com/spigell/autofill/internal/profile"
	"github.com/spigell/autofill/internal/utils"
)

const (
	streetContextBudget = 500
	smartContextBudget  = 2000
	openContextBudget   = 5000

	unknownLocation = "the user's location"
)

// Cursors select the next entry of the repeated profile lists. They only move
// forward and belong to a single scan.
type Cursors struct {
	School   int
	JobTitle int
	Company  int
}

// Outcome of resolving one field.
type ResolutionKind int

const (
	Skip ResolutionKind = iota
	Filled
	Generate
)

// Resolution is what to do with a classified field.
type Resolution struct {
	Kind    ResolutionKind
	Value   string
	Prompt  string
	Context string
}

func skip() Resolution { return Resolution{Kind: Skip} }

func filled(value string) Resolution {
	if value == "" {
		return skip()
	}
	return Resolution{Kind: Filled, Value: value}
}

func generate(prompt, context string) Resolution {
	return Resolution{Kind: Generate, Prompt: prompt, Context: context}
}

// Resolve maps a category onto a profile value or a generation request.
// Repeated-entity cursors advance only when a value is actually produced.
func Resolve(category Category, d form.FieldDescriptor, p *profile.Profile, cursors *Cursors, pageText string) Resolution {
	if p == nil {
		p = &profile.Profile{}
	}

	switch category {
	case FirstName:
		return filled(p.FirstName())
	case LastName:
		return filled(p.LastName())
	case FullName:
		return filled(p.Name)
	case Email:
		return filled(p.Email)
	case Phone:
		return filled(p.Phone)
	case LinkedIn:
		return filled(p.LinkedInURL)
	case GitHub:
		return filled(p.GitHubURL)
	case Portfolio:
		return filled(p.PortfolioURL)
	case Location:
		return filled(p.Location)

	case PostalCode:
		return generate(
			fmt.Sprintf("What is the postal code for the address: %q? Return ONLY the code.", locationOrDefault(p)),
			"User Location: "+p.Location,
		)
	case City:
		return generate(
			fmt.Sprintf("What is the city name from the location: %q? Return ONLY the city name.", locationOrDefault(p)),
			"User Location: "+p.Location,
		)
	case State:
		return generate(
			fmt.Sprintf("What is the state/province/region for the location: %q? Return ONLY the state name.", locationOrDefault(p)),
			"User Location: "+p.Location,
		)
	case Street:
		return generate(
			fmt.Sprintf("What is the street address (Line 1) for the user based on their info? "+
				"If only city/state is known, suggest a proper format or return the city. User location string is: %q", p.Location),
			utils.Head(pageText, streetContextBudget),
		)

	case Institution:
		if cursors.School >= len(p.Education) {
			return skip()
		}
		r := filled(p.Education[cursors.School].Institution)
		if r.Kind == Filled {
			cursors.School++
		}
		return r
	case JobTitle:
		if cursors.JobTitle >= len(p.WorkExperience) {
			return skip()
		}
		r := filled(p.WorkExperience[cursors.JobTitle].JobTitle)
		if r.Kind == Filled {
			cursors.JobTitle++
		}
		return r
	case Company:
		if cursors.Company >= len(p.WorkExperience) {
			return skip()
		}
		r := filled(p.WorkExperience[cursors.Company].Company)
		if r.Kind == Filled {
			cursors.Company++
		}
		return r

	case Smart:
		return generate(promptText(d, "Question"), "Page Context: "+utils.Head(pageText, smartContextBudget))
	case OpenEnded:
		return generate(promptText(d, "Tell us about yourself"), utils.Head(pageText, openContextBudget))
	}

	return skip()
}

func locationOrDefault(p *profile.Profile) string {
	if p.Location == "" {
		return unknownLocation
	}
	return p.Location
}

// promptText is the question shown to the model: label, then placeholder,
// then name.
func promptText(d form.FieldDescriptor, fallback string) string {
	for _, candidate := range []string{d.Label, d.Placeholder, d.Name} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return fallback
}
