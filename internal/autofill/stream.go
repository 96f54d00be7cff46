package autofill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/form"
)

// StreamConsumer writes a streamed answer into one control as it arrives.
// Dropdowns only collect the answer and pick an option on completion.
type StreamConsumer struct {
	control form.Control
	answer  strings.Builder
}

func NewStreamConsumer(control form.Control) *StreamConsumer {
	return &StreamConsumer{control: control}
}

func (c *StreamConsumer) dropdown() bool {
	return c.control.Descriptor().Control == form.Select
}

// Answer is the text received so far.
func (c *StreamConsumer) Answer() string { return c.answer.String() }

// Append adds a chunk to the control's value and raises an input event.
// Empty chunks are ignored.
func (c *StreamConsumer) Append(chunk string) {
	if chunk == "" {
		return
	}
	c.answer.WriteString(chunk)
	if c.dropdown() {
		return
	}
	c.control.SetValue(c.control.Value() + chunk)
	c.control.Dispatch(form.EventInput)
}

// Complete raises the final change event and marks the control as filled. A
// dropdown gets the option that best matches the whole answer; when none
// matches it is marked as failed and ErrNoOption is returned.
func (c *StreamConsumer) Complete() error {
	if c.dropdown() {
		answer := strings.TrimSpace(c.answer.String())
		i, err := BestOption(c.control.Options(), answer)
		if err != nil {
			c.control.Mark(form.MarkError)
			return fmt.Errorf("answer %q: %w", answer, err)
		}
		c.control.SelectIndex(i)
		c.control.Dispatch(form.EventChange)
		c.control.Dispatch(form.EventInput)
		c.control.Mark(form.MarkFilled)
		return nil
	}

	c.control.Dispatch(form.EventChange)
	c.control.Mark(form.MarkFilled)
	return nil
}

// Consume drains s into the control. An empty stream completes normally.
func (c *StreamConsumer) Consume(ctx context.Context, s ai.Stream) error {
	defer s.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return c.Complete()
		}
		if err != nil {
			return err
		}
		c.Append(chunk)
	}
}
