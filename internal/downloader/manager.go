package downloader

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/eventual"
)

type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

// Manager owns the middleware chain. The chain is fixed at construction and
// shared read-only by every concurrent download; middlewares guard their own
// state.
type Manager struct {
	handlers []handler
	logger   *zap.Logger

	mu    sync.RWMutex
	state state
}

// NewManager orders regs by priority, keeping registration order for equal
// priorities, and resolves each middleware's hooks once.
func NewManager(regs []Registration, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := slices.Clone(regs)
	slices.SortStableFunc(sorted, func(a, b Registration) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	m := &Manager{logger: logger}
	for _, reg := range sorted {
		if reg.Middleware == nil {
			return nil, fmt.Errorf("middleware %q is nil", reg.Name)
		}
		h := handler{name: middlewareName(reg)}
		h.request, _ = reg.Middleware.(RequestProcessor)
		h.response, _ = reg.Middleware.(ResponseProcessor)
		h.exception, _ = reg.Middleware.(ExceptionProcessor)
		h.opener, _ = reg.Middleware.(Opener)
		h.closer, _ = reg.Middleware.(Closer)
		if !h.hasHooks() {
			return nil, fmt.Errorf("middleware %s implements no downloader hooks", h.name)
		}
		m.handlers = append(m.handlers, h)
	}
	return m, nil
}

func middlewareName(reg Registration) string {
	if reg.Name != "" {
		return reg.Name
	}
	if n, ok := reg.Middleware.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", reg.Middleware)
}

// Names lists the middlewares in chain order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.handlers))
	for i, h := range m.handlers {
		names[i] = h.name
	}
	return names
}

// Open calls every Open hook in chain order. The first failure aborts
// startup and leaves the manager unusable.
func (m *Manager) Open(ctx context.Context, spider *domain.Spider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateNew {
		return errors.New("downloader: pipeline already opened")
	}
	for _, h := range m.handlers {
		if h.opener == nil {
			continue
		}
		if err := h.opener.Open(ctx, spider); err != nil {
			m.state = stateClosed
			return &StartupError{Middleware: h.name, Err: err}
		}
	}
	m.state = stateOpen
	m.logger.Info("Enabled downloader middlewares", zap.Strings("middlewares", m.Names()))
	return nil
}

// Close calls every Close hook in reverse chain order. Failures are logged.
// Downloads already in flight still settle.
func (m *Manager) Close(ctx context.Context, spider *domain.Spider) {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return
	}
	m.state = stateClosed
	m.mu.Unlock()

	for i := len(m.handlers) - 1; i >= 0; i-- {
		h := m.handlers[i]
		if h.closer == nil {
			continue
		}
		if err := h.closer.Close(ctx, spider); err != nil {
			m.logger.Error("Error closing downloader middleware",
				zap.String("middleware", h.name), zap.Error(err))
		}
	}
}

// Download runs req through the chain, calling fetch unless a request hook
// answers first. The returned future settles exactly once: with a Result, or
// with the error that ended the run. Contract violations surface as
// *InvalidOutputError; faults nothing recovered surface unchanged.
func (m *Manager) Download(ctx context.Context, fetch Transport, req *domain.Request, spider *domain.Spider) *eventual.Future[Result] {
	m.mu.RLock()
	open := m.state == stateOpen
	m.mu.RUnlock()
	if !open {
		return eventual.Failed[Result](ErrPipelineClosed)
	}

	r := &run{
		m:      m,
		ctx:    ctx,
		fetch:  fetch,
		req:    req,
		spider: spider,
		out:    eventual.New[Result](),
	}
	r.requestStage()
	return r.out
}
