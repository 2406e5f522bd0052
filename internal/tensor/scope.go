package tensor

import "sync"

// buffers recycles backing arrays by element count. A 224x224x3 input and the
// activations behind it are allocated on every request, so reusing them keeps
// the long-lived process from churning the heap.
var buffers sync.Map // int -> *sync.Pool

func bufferPool(n int) *sync.Pool {
	if p, ok := buffers.Load(n); ok {
		return p.(*sync.Pool)
	}
	p, _ := buffers.LoadOrStore(n, &sync.Pool{
		New: func() any {
			buf := make([]float32, n)
			return &buf
		},
	})
	return p.(*sync.Pool)
}

// Scope owns the intermediate tensors of one unit of work. Every tensor
// allocated through a scope is released together by Close, on every exit
// path of the caller.
//
// A nil *Scope is valid and allocates unpooled tensors.
type Scope struct {
	mu     sync.Mutex
	owned  []*Tensor
	closed bool
}

// NewScope returns an open scope.
func NewScope() *Scope {
	return &Scope{}
}

// New allocates a zero-filled tensor owned by the scope.
func (s *Scope) New(shape Shape, dtype DType) *Tensor {
	if s == nil {
		return New(shape, dtype)
	}
	n := shape.Numel()
	bufp := bufferPool(n).Get().(*[]float32)
	buf := (*bufp)[:n]
	clear(buf)
	t := &Tensor{data: buf, shape: shape.Clone(), dtype: dtype}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Late allocations after Close are not tracked.
		return New(shape, dtype)
	}
	s.owned = append(s.owned, t)
	return t
}

// Len returns the number of live tensors held by the scope.
func (s *Scope) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}

// Close releases every tensor allocated through the scope. Released tensors
// must not be used afterwards; their data is detached. Close is idempotent.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	s.closed = true
	s.mu.Unlock()

	for _, t := range owned {
		buf := t.data
		t.data = nil
		bufferPool(len(buf)).Put(&buf)
	}
}
