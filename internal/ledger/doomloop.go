package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DoomLoopThreshold is the number of identical consecutive calls that
// trigger detection.
const DoomLoopThreshold = 3

// DoomLoopDetector flags a tool call repeated with identical input
// DoomLoopThreshold times in a row for the same session, so the Turn
// Engine can break out of an unproductive loop instead of re-enqueuing
// the same call against the ledger forever.
type DoomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string
}

func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{history: make(map[string][]string)}
}

// Check records one call and reports whether it completes a repeat run.
func (d *DoomLoopDetector) Check(sessionID, toolName string, input map[string]any) bool {
	hash := hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history[sessionID]
	doomed := false
	if len(history) >= DoomLoopThreshold-1 {
		allSame := true
		start := len(history) - (DoomLoopThreshold - 1)
		for i := start; i < len(history); i++ {
			if history[i] != hash {
				allSame = false
				break
			}
		}
		doomed = allSame
	}

	history = append(history, hash)
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	d.history[sessionID] = history

	return doomed
}

// Reset clears history so the next differing call doesn't inherit a
// partial run.
func (d *DoomLoopDetector) Reset(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, sessionID)
}

func hashCall(toolName string, input map[string]any) string {
	data, _ := json.Marshal(map[string]any{"tool": toolName, "input": input})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
