package web3

import (
	"errors"
	"strings"
	"sync"
)

// Rotation walks a fixed, ordered list of RPC endpoints. Next is a total
// cyclic function: calling Advance len(endpoints) times lands back on the
// starting endpoint.
type Rotation struct {
	mu        sync.RWMutex
	endpoints []string
	current   int
}

// NewRotation builds a rotation positioned on the first endpoint. Blank and
// duplicate entries are dropped while preserving order.
func NewRotation(endpoints []string) (*Rotation, error) {
	seen := make(map[string]struct{}, len(endpoints))
	cleaned := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		cleaned = append(cleaned, ep)
	}
	if len(cleaned) == 0 {
		return nil, errors.New("未配置任何 RPC 端点")
	}
	return &Rotation{endpoints: cleaned}, nil
}

// Current returns the endpoint the gateway is expected to be connected to.
func (r *Rotation) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[r.current]
}

// Peek returns the endpoint Advance would move to, without moving.
func (r *Rotation) Peek() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[(r.current+1)%len(r.endpoints)]
}

// Advance commits the move to the next endpoint and returns it.
func (r *Rotation) Advance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = (r.current + 1) % len(r.endpoints)
	return r.endpoints[r.current]
}

// Index returns the position of the current endpoint.
func (r *Rotation) Index() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Endpoints returns a copy of the configured order.
func (r *Rotation) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.endpoints...)
}
