package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/glimte/mmate-correlation/messaging"
	"github.com/google/uuid"
)

// registration is a handler bound to a queue or subscription group. It is
// detached when cancelled or when the context it was registered with ends.
type registration struct {
	id          string
	destination string
	bus         *Bus
	handler     messaging.DeliveryHandler
	ctx         context.Context
	cancel      context.CancelFunc
	detachFn    func()
	detachOnce  sync.Once
	inflight    sync.WaitGroup
}

// newRegistration must be called with b.mu held
func (b *Bus) newRegistration(ctx context.Context, destination string, handler messaging.DeliveryHandler, detach func()) *registration {
	regCtx, cancel := context.WithCancel(ctx)

	reg := &registration{
		id:          uuid.NewString(),
		destination: destination,
		bus:         b,
		handler:     handler,
		ctx:         regCtx,
		cancel:      cancel,
		detachFn:    detach,
	}
	context.AfterFunc(regCtx, reg.detach)

	return reg
}

// Cancel implements messaging.Registration. It must not be called from the
// registration's own handler.
func (r *registration) Cancel() error {
	r.cancel()
	r.detach()
	r.inflight.Wait()
	return nil
}

func (r *registration) detach() {
	r.detachOnce.Do(func() {
		r.bus.mu.Lock()
		r.detachFn()
		r.bus.mu.Unlock()

		r.bus.logger.Debug("registration detached",
			"destination", r.destination,
			"registrationId", r.id,
		)
	})
}

func (r *registration) invoke(data []byte) (err error) {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("inmemory: handler panicked: %v", p)
		}
	}()

	return r.handler(r.ctx, delivery{data: data})
}

// delivery is a message handed to a handler
type delivery struct {
	data []byte
}

// Decode implements messaging.Delivery
func (d delivery) Decode(v any) error {
	return json.Unmarshal(d.data, v)
}
