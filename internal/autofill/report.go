package autofill

import (
	"github.com/spigell/autofill/internal/form"
	"github.com/spigell/autofill/internal/protocol"
)

const (
	StatusFilled   = "filled"
	StatusQueued   = "queued"
	StatusNoOption = "no option found"

	reportValueLimit = 50
	reportValueKeep  = 47

	finding = "AI is finding..."
	queued  = "Queued..."
)

func filledEntry(d form.FieldDescriptor, value string) protocol.ReportEntry {
	name := d.DisplayName()
	if name == "" {
		name = "Unknown Field"
	}
	return protocol.ReportEntry{Field: name, Value: shorten(value), Status: StatusFilled}
}

func queuedEntry(category Category, d form.FieldDescriptor) protocol.ReportEntry {
	entry := protocol.ReportEntry{Value: finding, Status: StatusQueued}

	switch category {
	case PostalCode:
		entry.Field = firstNonEmpty(d.Label, "Postal Code")
	case City:
		entry.Field = firstNonEmpty(d.Label, "City")
	case State:
		entry.Field = firstNonEmpty(d.Label, "State")
	case Street:
		entry.Field = firstNonEmpty(d.Label, "Address")
	case Smart:
		entry.Field = firstNonEmpty(d.Label, "AI Smart Field")
		entry.Value = queued
	default:
		entry.Field = firstNonEmpty(d.Label, d.Placeholder, d.Name, "AI Field") + " (Queued)"
		entry.Value = queued
	}

	return entry
}

// pendingLook is the cosmetic state of a field waiting in the queue.
func pendingLook(category Category) (form.Mark, string) {
	switch category {
	case PostalCode:
		return form.MarkPending, "Finding postal code..."
	case City:
		return form.MarkPending, "Finding city..."
	case State:
		return form.MarkPending, "Finding state..."
	case Street:
		return form.MarkPending, "Finding street address..."
	default:
		return form.MarkQueued, "Queued for AI..."
	}
}

func shorten(value string) string {
	runes := []rune(value)
	if len(runes) <= reportValueLimit {
		return value
	}
	return string(runes[:reportValueKeep]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
