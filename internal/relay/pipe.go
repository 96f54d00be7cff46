package relay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/protocol"
)

// Receiver takes messages addressed to a page session.
type Receiver interface {
	Handle(msg protocol.Message) protocol.Response
}

var errDetached = errors.New("no session attached")

// Pipe connects a session and a Background inside one process. Each message
// the session sends is handled on its own goroutine.
type Pipe struct {
	ctx        context.Context
	background *Background

	mu       sync.Mutex
	receiver Receiver
	wg       sync.WaitGroup
}

func NewPipe(ctx context.Context, background *Background) *Pipe {
	return &Pipe{ctx: ctx, background: background}
}

// Attach sets the session replies are delivered to.
func (p *Pipe) Attach(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = r
}

func (p *Pipe) Send(msg protocol.Message) error {
	p.mu.Lock()
	receiver := p.receiver
	p.mu.Unlock()
	if receiver == nil {
		return errDetached
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		resp := p.background.Handle(p.ctx, msg, func(reply protocol.Message) {
			receiver.Handle(reply)
		})
		if !resp.Success {
			p.background.logger.Warn("background rejected message",
				zap.String("action", string(msg.Action)), zap.String("error", resp.Error))
		}
	}()
	return nil
}

// Wait blocks until every message sent so far was handled.
func (p *Pipe) Wait() {
	p.wg.Wait()
}
