// Package profile holds the job seeker's stored profile. The autofill engine
// only reads it.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type Profile struct {
	Name           string           `mapstructure:"name" json:"name" yaml:"name"`
	Email          string           `mapstructure:"email" json:"email" yaml:"email"`
	Phone          string           `mapstructure:"phone" json:"phone" yaml:"phone"`
	Location       string           `mapstructure:"location" json:"location" yaml:"location"`
	LinkedInURL    string           `mapstructure:"linkedin_url" json:"linkedin_url" yaml:"linkedin_url"`
	GitHubURL      string           `mapstructure:"github_url" json:"github_url" yaml:"github_url"`
	PortfolioURL   string           `mapstructure:"portfolio_url" json:"portfolio_url" yaml:"portfolio_url"`
	WorkExperience []WorkExperience `mapstructure:"work_experience" json:"work_experience" yaml:"work_experience"`
	Education      []Education      `mapstructure:"education" json:"education" yaml:"education"`
}

type WorkExperience struct {
	JobTitle  string `mapstructure:"job_title" json:"job_title" yaml:"job_title"`
	Company   string `mapstructure:"company" json:"company" yaml:"company"`
	Location  string `mapstructure:"location" json:"location,omitempty" yaml:"location,omitempty"`
	StartDate string `mapstructure:"start_date" json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate   string `mapstructure:"end_date" json:"end_date,omitempty" yaml:"end_date,omitempty"`
}

type Education struct {
	Degree         string `mapstructure:"degree" json:"degree,omitempty" yaml:"degree,omitempty"`
	Institution    string `mapstructure:"institution" json:"institution" yaml:"institution"`
	Location       string `mapstructure:"location" json:"location,omitempty" yaml:"location,omitempty"`
	GraduationDate string `mapstructure:"graduation_date" json:"graduation_date,omitempty" yaml:"graduation_date,omitempty"`
}

// aliases maps alternative payload keys onto the canonical ones. Profiles
// arrive from the parser, the dashboard and hand-written files, which disagree
// on naming.
var aliases = map[string]string{
	"full_name":    "name",
	"phone_number": "phone",
	"linkedin":     "linkedin_url",
	"github":       "github_url",
	"portfolio":    "portfolio_url",
	"experience":   "work_experience",
}

// Decode builds a Profile from a loosely typed payload.
func Decode(raw map[string]any) (*Profile, error) {
	normalized := make(map[string]any, len(raw))
	for key, value := range raw {
		normalized[strings.ToLower(strings.TrimSpace(key))] = value
	}

	for alias, canonical := range aliases {
		value, ok := normalized[alias]
		if !ok {
			continue
		}
		if existing, ok := normalized[canonical]; !ok || isEmpty(existing) {
			normalized[canonical] = value
		}
		delete(normalized, alias)
	}

	var p Profile
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("create profile decoder: %w", err)
	}

	if err := decoder.Decode(normalized); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	return &p, nil
}

// Load reads a YAML or JSON profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading profile %q: %w", path, err)
	}

	var raw map[string]any
	// JSON is valid YAML, one decoder covers both.
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing profile %q: %w", path, err)
	}

	return Decode(raw)
}

// Map returns the profile as the loosely typed payload carried by messages.
func (p *Profile) Map() map[string]any {
	out := map[string]any{}
	if p == nil {
		return out
	}
	if err := mapstructure.Decode(p, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// FirstName is the first whitespace separated token of Name.
func (p *Profile) FirstName() string {
	parts := strings.Fields(p.Name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// LastName is everything in Name after the first token.
func (p *Profile) LastName() string {
	parts := strings.Fields(p.Name)
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[1:], " ")
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	default:
		return false
	}
}
