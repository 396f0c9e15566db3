package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory
//
// This emitter captures all events and provides query capabilities for
// execution history analysis. Events are organized by FlowID for efficient
// retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by FlowID with optional filtering
//   - Filter by session ID and message
//   - Clear events by FlowID or all events
//
// Use cases:
//   - Development and debugging
//   - Testing and validation
//   - Real-time monitoring dashboards
//   - Post-execution analysis
//
// Warning: This emitter stores all events in memory. For production
// deployments with long-running workflows or high event volume, consider
// using a persistent storage backend or implement event rotation/cleanup.
//
// Example usage:
//
//	// Create buffered emitter for testing
//	emitter := emit.NewBufferedEmitter()
//	engine := flow.NewEngine(store, bus, timers, async, scope, hospital, flowFuncs,
//		flow.WithEmitter(emitter))
//
//	// Query execution history of one flow
//	allEvents := emitter.GetHistory("flow-001")
//	errorEvents := emitter.GetHistoryWithFilter("flow-001", emit.HistoryFilter{Msg: "error"})
//
//	// Clean up old flows
//	emitter.Clear("flow-001")
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // FlowID -> events
}

// HistoryFilter specifies criteria for filtering execution history
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
//
// Fields:
//   - SessionID: Filter by specific session
//   - Msg: Filter by message (e.g., "error")
//
// Example usage:
//
//	// Get all errors from a specific session
//	filter := emit.HistoryFilter{
//		SessionID: "sess-001",
//		Msg:       "error",
//	}
//	errors := emitter.GetHistoryWithFilter("flow-001", filter)
type HistoryFilter struct {
	SessionID string // Filter by session ID (empty = no filter)
	Msg       string // Filter by message (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter
//
// Returns a BufferedEmitter that stores all events in memory and provides
// query capabilities. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer
//
// Events are organized by FlowID for efficient retrieval. This method is
// thread-safe and can be called concurrently from multiple goroutines.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.FlowID] = append(b.events[event.FlowID], event)
}

// GetHistory retrieves all events for a specific flowID
//
// Returns events in the order they were emitted. Returns an empty slice
// if no events exist for the given flowID.
//
// This method is thread-safe and returns a copy of the events to prevent
// concurrent modification issues.
//
// Example:
//
//	events := emitter.GetHistory("flow-001")
//	for _, event := range events {
//		fmt.Printf("[%s] %s: %s\n", event.FlowID, event.SessionID, event.Msg)
//	}
func (b *BufferedEmitter) GetHistory(flowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[flowID]
	if events == nil {
		return []Event{} // Return empty slice instead of nil
	}

	// Return a copy to prevent external modification
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves filtered events for a specific flowID
//
// Applies the provided filter criteria to select matching events. All filter
// conditions must match for an event to be included (AND logic).
//
// Returns events in the order they were emitted. Returns an empty slice if
// no events match the filter.
//
// This method is thread-safe and returns a copy of the events.
//
// Example:
//
//	// Get error events from a "validator" session
//	filter := emit.HistoryFilter{
//		SessionID: "validator",
//		Msg:       "error",
//	}
//	errors := emitter.GetHistoryWithFilter("flow-001", filter)
func (b *BufferedEmitter) GetHistoryWithFilter(flowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[flowID]
	if events == nil {
		return []Event{}
	}

	// If filter is empty, return all events
	if filter.SessionID == "" && filter.Msg == "" {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	// Apply filters
	var result []Event
	for _, event := range events {
		if !b.matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}

	if result == nil {
		return []Event{} // Return empty slice instead of nil
	}
	return result
}

// matchesFilter checks if an event matches the filter criteria.
func (b *BufferedEmitter) matchesFilter(event Event, filter HistoryFilter) bool {
	// Filter by SessionID
	if filter.SessionID != "" && event.SessionID != filter.SessionID {
		return false
	}

	// Filter by Msg
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}

	return true
}

// Clear removes stored events
//
// If runID is non-empty, clears only events for that specific run.
// If runID is empty, clears all stored events across all runs.
//
// This method is thread-safe and can be called concurrently.
//
// Example:
//
//	// Clear specific run
//	emitter.Clear("run-001")
//
//	// Clear all runs
//	emitter.Clear("")
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		// Clear all events
		b.events = make(map[string][]Event)
	} else {
		// Clear specific runID
		delete(b.events, runID)
	}
}
