package mockprovider

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Default token counts reported per call
const (
	DefaultPromptTokens     = 1000
	DefaultCompletionTokens = 500
)

// Call is one request served by the mock provider
type Call struct {
	ID               string    `json:"id"`
	API              string    `json:"api"` // "openai" or "anthropic"
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	At               time.Time `json:"at"`
}

// State manages the in-memory state for the mock provider
type State struct {
	mu     sync.RWMutex
	calls  []Call
	nextID int

	// Configuration for testing
	promptTokens     int
	completionTokens int
	delay            time.Duration
	failCalls        bool
	failMsg          string
	omitUsage        bool
}

// NewState creates a new mock provider state
func NewState() *State {
	s := &State{}
	s.reset()
	return s
}

func (s *State) reset() {
	s.calls = nil
	s.nextID = 1000
	s.promptTokens = DefaultPromptTokens
	s.completionTokens = DefaultCompletionTokens
	s.delay = 0
	s.failCalls = false
	s.failMsg = ""
	s.omitUsage = false
}

// Reset clears recorded calls and restores the default configuration
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// RecordCall registers a completion and returns what to report for it
func (s *State) RecordCall(api, model string) (Call, error) {
	s.mu.RLock()
	delay, fail, msg := s.delay, s.failCalls, s.failMsg
	s.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		if msg == "" {
			msg = "simulated provider failure"
		}
		return Call{}, fmt.Errorf("%s", msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	prefix := "chatcmpl"
	if api == "anthropic" {
		prefix = "msg"
	}
	call := Call{
		ID:               fmt.Sprintf("%s-%d", prefix, s.nextID),
		API:              api,
		Model:            strings.TrimSpace(model),
		PromptTokens:     s.promptTokens,
		CompletionTokens: s.completionTokens,
		At:               time.Now(),
	}
	s.calls = append(s.calls, call)
	return call, nil
}

// Calls returns a copy of every served call
func (s *State) Calls() []Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// SetTokens sets the token counts reported for subsequent calls
func (s *State) SetTokens(prompt, completion int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptTokens = prompt
	s.completionTokens = completion
}

// SetDelay sets how long each call takes
func (s *State) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetFailCalls makes every call fail with msg
func (s *State) SetFailCalls(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCalls = fail
	s.failMsg = msg
}

// SetOmitUsage drops the usage block from responses
func (s *State) SetOmitUsage(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitUsage = omit
}

// OmitUsage reports whether responses carry no usage block
func (s *State) OmitUsage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.omitUsage
}
