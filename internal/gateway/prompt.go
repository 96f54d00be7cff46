package gateway

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed prompt.md
var promptTemplate string

const (
	defaultName        = "Candidate"
	defaultPageContext = "No specific context provided. Assume a general tech company."
	knowledgeHeader    = `
Your Past Answers (User Memory):
The following are answers you have given to similar questions in the past. Use them as inspiration only.
CRITICAL INSTRUCTION: Do NOT copy these answers verbatim if they contain specific company names or contexts that do not match the current job.
ADAPT the core message of your past answer to fit the CURRENT Job/Company Context below.
`
)

// KnowledgeEntry is a question the user answered before.
type KnowledgeEntry struct {
	Key   string
	Value string
}

// PromptInput carries everything the answer prompt is built from.
type PromptInput struct {
	Name        string
	Resume      string
	PageContext string
	Question    string
	Knowledge   []KnowledgeEntry
}

// BuildPrompt renders the answer prompt.
func BuildPrompt(in PromptInput) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "You are {{NAME}}.\n\nContext:\n{{PAGE_CONTEXT}}\n\nResume:\n{{RESUME}}\n{{KNOWLEDGE}}\nQuestion: {{QUESTION}}"
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = defaultName
	}
	pageContext := strings.TrimSpace(in.PageContext)
	if pageContext == "" {
		pageContext = defaultPageContext
	}

	replacer := strings.NewReplacer(
		"{{NAME}}", name,
		"{{PAGE_CONTEXT}}", pageContext,
		"{{RESUME}}", strings.TrimSpace(in.Resume),
		"{{KNOWLEDGE}}", renderKnowledge(in.Knowledge),
		"{{QUESTION}}", strings.TrimSpace(in.Question),
	)
	return replacer.Replace(template)
}

func renderKnowledge(entries []KnowledgeEntry) string {
	if len(entries) == 0 {
		return ""
	}

	items := make([]string, 0, len(entries))
	for _, e := range entries {
		items = append(items, fmt.Sprintf("- Question: %q\n  Answer: %q", e.Key, e.Value))
	}
	return knowledgeHeader + strings.Join(items, "\n\n") + "\n"
}
