package expressions

import (
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// programCache memoizes compiled programs by source text. It is safe for
// concurrent use; a source that fails to compile is not cached.
type programCache[P any] struct {
	compile func(source string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(source string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[source]; ok {
		return p, nil
	}
	p, err := c.compile(source)
	if err != nil {
		return p, err
	}
	c.programs[source] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// expressionError wraps an engine failure with the offending expression.
func expressionError(code, what, expression string, err error) *schema.ChainError {
	return schema.NewErrorf(code, "%s %q: %s", what, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
