package autofill

import (
	"errors"
	"strings"

	"github.com/spigell/autofill/internal/form"
)

// ErrNoOption means no dropdown option matched the value.
var ErrNoOption = errors.New("no option found")

// BestOption finds the option to select for value. An exact match on the
// option value or text wins; otherwise the first option whose text contains,
// or is contained in, the value is chosen.
func BestOption(options []form.Option, value string) (int, error) {
	search := strings.ToLower(strings.TrimSpace(value))
	if search == "" {
		return -1, ErrNoOption
	}

	for i, opt := range options {
		if strings.ToLower(opt.Value) == search || strings.ToLower(opt.Text) == search {
			return i, nil
		}
	}

	for i, opt := range options {
		text := strings.ToLower(strings.TrimSpace(opt.Text))
		if text == "" {
			continue
		}
		if strings.Contains(search, text) || strings.Contains(text, search) {
			return i, nil
		}
	}

	return -1, ErrNoOption
}
