package message

import "fmt"

// PairingProblem names a tool-call bookkeeping anomaly.
type PairingProblem string

const (
	ProblemOrphanResult  PairingProblem = "orphan_result"
	ProblemUnresolved    PairingProblem = "unresolved_call"
	ProblemDuplicateCall PairingProblem = "duplicate_call"
)

// PairingIssue locates one anomaly in a history.
type PairingIssue struct {
	Problem    PairingProblem
	Index      int
	ToolCallID string
}

func (i PairingIssue) String() string {
	return fmt.Sprintf("message %d: %s (tool call %q)", i.Index, i.Problem, i.ToolCallID)
}

// ValidatePairing checks that every tool result answers exactly one earlier call.
// Formatters stay lenient; this is for callers that want a strict mode.
func ValidatePairing(history []Message) []PairingIssue {
	var issues []PairingIssue

	callIndex := make(map[string]int)
	answered := make(map[string]bool)

	var order []string

	for i, m := range history {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				if _, seen := callIndex[tc.ID]; seen {
					issues = append(issues, PairingIssue{Problem: ProblemDuplicateCall, Index: i, ToolCallID: tc.ID})
					continue
				}

				callIndex[tc.ID] = i
				order = append(order, tc.ID)
			}
		case RoleTool:
			if _, ok := callIndex[m.ToolCallID]; !ok || answered[m.ToolCallID] {
				issues = append(issues, PairingIssue{Problem: ProblemOrphanResult, Index: i, ToolCallID: m.ToolCallID})
				continue
			}

			answered[m.ToolCallID] = true
		}
	}

	for _, id := range order {
		if !answered[id] {
			issues = append(issues, PairingIssue{Problem: ProblemUnresolved, Index: callIndex[id], ToolCallID: id})
		}
	}

	return issues
}
