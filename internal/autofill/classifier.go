package autofill

import "github.com/spigell/autofill/internal/form"

// Classifier assigns categories from an ordered rule table. The first
// matching rule wins.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier over rules, or over DefaultRules when none
// are given.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the category of the control or NoMatch. It never modifies
// the descriptor.
func (c *Classifier) Classify(d form.FieldDescriptor) Category {
	haystack := d.Haystack()
	for _, rule := range c.rules {
		if rule.Matches(d, haystack) {
			return rule.Category
		}
	}
	return NoMatch
}
