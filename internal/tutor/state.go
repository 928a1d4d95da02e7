package tutor

import "slices"

// IterationState is the scratch state of one Respond call.
type IterationState struct {
	Iteration    int
	InputTokens  int
	OutputTokens int
	// Additional is the reference blob loaded on the previous pass.
	Additional string
	// LoadedStatus is the loader's status line from the previous pass.
	LoadedStatus string
	// Requested lists keys asked for this turn that have not failed to
	// load.
	Requested []string
	Truncated bool
}

func (s *IterationState) next() { s.Iteration++ }

func (s *IterationState) addTokens(in, out int) {
	s.InputTokens += in
	s.OutputTokens += out
}

// exceeded reports whether the current pass is beyond maxIterations.
func (s *IterationState) exceeded(maxIterations int) bool {
	return s.Iteration > maxIterations
}

// forget drops failed keys from the requested reminder.
func (s *IterationState) forget(failed []string) {
	if len(failed) == 0 {
		return
	}
	s.Requested = slices.DeleteFunc(s.Requested, func(k string) bool {
		return slices.Contains(failed, k)
	})
}
