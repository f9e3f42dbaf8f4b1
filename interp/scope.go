package interp

// Frame names used by the runtime when assembling an execution scope.
const (
	FrameInputs    = "inputs"
	FrameOutputs   = "outputs"
	FrameVariables = "variables"
	FrameTrigger   = "trigger"
	FrameLoop      = "loop"
)

type (
	// Scope is a stack of named frames resolved newest-first. Node outputs,
	// execution inputs, user variables and the trigger payload each live in
	// their own frame; loop iterations push a transient frame binding item
	// and index.
	//
	// Path resolution is two-phase: a path whose first segment names a frame
	// resolves inside that frame (e.g. inputs.source); otherwise the first
	// segment is looked up as a key in each frame from the top of the stack
	// down (e.g. n1.data.name finds node n1 in the outputs frame).
	Scope struct {
		frames []frame
	}

	frame struct {
		name   string
		values map[string]any
	}
)

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Push adds a named frame on top of the stack and returns the scope for
// chaining. The values map is used as-is; callers that need isolation pass a
// copy.
func (s *Scope) Push(name string, values map[string]any) *Scope {
	if values == nil {
		values = make(map[string]any)
	}
	s.frames = append(s.frames, frame{name: name, values: values})
	return s
}

// Pop removes the top frame. Popping an empty scope is a no-op.
func (s *Scope) Pop() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// Fork returns a copy of the scope sharing frame value maps but with an
// independent stack, so a loop iteration can push frames without affecting
// siblings running concurrently.
func (s *Scope) Fork() *Scope {
	frames := make([]frame, len(s.frames))
	copy(frames, s.frames)
	return &Scope{frames: frames}
}

// Set writes a key into the topmost frame with the given name. It returns
// false if no such frame exists.
func (s *Scope) Set(frameName, key string, value any) bool {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].name == frameName {
			s.frames[i].values[key] = value
			return true
		}
	}
	return false
}

// Delete removes a key from the topmost frame with the given name.
func (s *Scope) Delete(frameName, key string) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].name == frameName {
			delete(s.frames[i].values, key)
			return
		}
	}
}

// Frame returns the value map of the topmost frame with the given name.
func (s *Scope) Frame(frameName string) (map[string]any, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].name == frameName {
			return s.frames[i].values, true
		}
	}
	return nil, false
}

// lookup resolves the first path segment: frame name match first, then key
// search from the top of the stack down.
func (s *Scope) lookup(head string) (any, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].name == head {
			return s.frames[i].values, true
		}
	}
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i].values[head]; ok {
			return v, true
		}
	}
	return nil, false
}
