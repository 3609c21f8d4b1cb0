package rule

import (
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// ExecutionContext holds the variable bindings of one rule's checks.
// "ruleId" and "now" are always bound; other names come from Set.
type ExecutionContext struct {
	mu     sync.RWMutex
	ruleID types.RuleID
	now    int64 // 0 表示使用時鐘
	values map[string]string
}

// NewExecutionContext returns a context bound to rule id.
func NewExecutionContext(id types.RuleID) *ExecutionContext {
	return &ExecutionContext{ruleID: id, values: make(map[string]string)}
}

// RuleID returns the bound rule id.
func (c *ExecutionContext) RuleID() types.RuleID {
	return c.ruleID
}

// SetNow pins "now" to ms (Unix milliseconds); 0 restores the clock.
func (c *ExecutionContext) SetNow(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

// Now returns the pinned time or clock().
func (c *ExecutionContext) Now(clock func() time.Time) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.now != 0 {
		return c.now
	}
	return clock().UnixMilli()
}

// Set binds name to value.
func (c *ExecutionContext) Set(name, value string) {
	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
}

// Lookup resolves a template variable.
func (c *ExecutionContext) Lookup(name string, clock func() time.Time) (string, bool) {
	switch name {
	case "ruleId":
		return strconv.FormatInt(int64(c.ruleID), 10), true
	case "now", "Now":
		return strconv.FormatInt(c.Now(clock), 10), true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}
