// Package item runs scraped items through an ordered chain of components.
package item

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/monitoring"
)

// ErrDropItem matches every DropItemError.
var ErrDropItem = errors.New("item dropped")

// DropItemError stops an item from reaching later components.
type DropItemError struct {
	Reason string
}

func (e *DropItemError) Error() string { return "item dropped: " + e.Reason }

func (e *DropItemError) Is(target error) bool { return target == ErrDropItem }

// Opener is called once before the first item.
type Opener interface {
	Open(ctx context.Context, spider *domain.Spider) error
}

// Processor handles one item and returns the item for the next component.
type Processor interface {
	ProcessItem(ctx context.Context, it domain.Item, spider *domain.Spider) (domain.Item, error)
}

// Closer is called once after the last item.
type Closer interface {
	Close(ctx context.Context, spider *domain.Spider) error
}

type component struct {
	name string
	impl any
}

// Manager runs items through its components in order.
type Manager struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.RWMutex
	all    []component
	active []component
	closed bool
}

// NewManager builds a pipeline. Each component must implement at least one
// of Opener, Processor and Closer.
func NewManager(logger *zap.Logger, metrics *monitoring.Metrics, components ...any) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger, metrics: metrics}
	for _, c := range components {
		_, o := c.(Opener)
		_, p := c.(Processor)
		_, cl := c.(Closer)
		if !o && !p && !cl {
			return nil, fmt.Errorf("item component %T implements no pipeline hooks", c)
		}
		m.all = append(m.all, component{name: fmt.Sprintf("%T", c), impl: c})
	}
	m.active = m.all
	return m, nil
}

// Open opens every component in order. A component that fails to open is
// left out of the pipeline; the failures are returned together.
func (m *Manager) Open(ctx context.Context, spider *domain.Spider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	active := make([]component, 0, len(m.all))
	for _, c := range m.all {
		if o, ok := c.impl.(Opener); ok {
			if err := o.Open(ctx, spider); err != nil {
				m.logger.Error("Error opening item component, disabling it",
					zap.String("component", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
				continue
			}
		}
		active = append(active, c)
	}
	m.active = active
	return errors.Join(errs...)
}

// Process passes it through the active components. A drop ends processing
// with an error matching ErrDropItem.
func (m *Manager) Process(ctx context.Context, it domain.Item, spider *domain.Spider) (domain.Item, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	for _, c := range active {
		p, ok := c.impl.(Processor)
		if !ok {
			continue
		}
		out, err := p.ProcessItem(ctx, it, spider)
		if err == nil && out == nil {
			err = &DropItemError{Reason: c.name + " returned no item"}
		}
		if err != nil {
			if errors.Is(err, ErrDropItem) {
				m.count("dropped")
				m.logger.Debug("Dropped item", zap.String("component", c.name), zap.Error(err))
			} else {
				m.count("error")
				m.logger.Error("Error processing item", zap.String("component", c.name), zap.Error(err))
			}
			return nil, err
		}
		it = out
	}
	m.count("processed")
	return it, nil
}

// Close closes the active components in reverse order. Errors are logged.
func (m *Manager) Close(ctx context.Context, spider *domain.Spider) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()

	for i := len(active) - 1; i >= 0; i-- {
		cl, ok := active[i].impl.(Closer)
		if !ok {
			continue
		}
		if err := cl.Close(ctx, spider); err != nil {
			m.logger.Error("Error closing item component",
				zap.String("component", active[i].name), zap.Error(err))
		}
	}
}

func (m *Manager) count(outcome string) {
	if m.metrics != nil {
		m.metrics.IncItem(outcome)
	}
}
