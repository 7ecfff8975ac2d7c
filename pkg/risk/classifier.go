// Package risk categorizes pending tool invocations by blast radius before
// anything executes. Dangerous classifications are a hard block: the
// orchestrator rejects them before dispatch no matter how autonomous the
// configuration is.
package risk

import (
	"fmt"
	"strings"
)

// Tier classifies a tool call's potential for irreversible effect
type Tier string

const (
	TierSafe      Tier = "safe"      // read-only
	TierCautious  Tier = "cautious"  // local mutation, small blast radius
	TierConfirm   Tier = "confirm"   // higher impact, needs user confirmation
	TierDangerous Tier = "dangerous" // destructive pattern, always rejected
)

var tierRank = map[Tier]int{
	TierSafe:      0,
	TierCautious:  1,
	TierConfirm:   2,
	TierDangerous: 3,
}

// AtLeast reports whether t is as severe as other
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// IsValidTier checks if a tier is valid
func IsValidTier(tier string) bool {
	_, ok := tierRank[Tier(strings.ToLower(tier))]
	return ok
}

// readOnlyTools are Safe regardless of arguments
var readOnlyTools = map[string]bool{
	"read":   true,
	"list":   true,
	"glob":   true,
	"grep":   true,
	"search": true,
	"status": true,
}

// mutatingTools touch files but are reversible when scoped to files the
// session already knows about
var mutatingTools = map[string]bool{
	"write": true,
	"edit":  true,
	"patch": true,
}

// confirmTools always need a human before running
var confirmTools = map[string]bool{
	"delete": true,
	"move":   true,
	"commit": true,
	"push":   true,
}

// readOnlyCommands is the allowlist of shell commands that classify Safe
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"pwd": true, "find": true, "grep": true, "rg": true, "which": true,
	"echo": true, "date": true, "env": true, "stat": true, "file": true,
	"du": true, "df": true,
}

// Classifier assigns risk tiers to tool calls. ReferencedPaths carries the
// file paths already read or written this session; writes inside that set
// are Cautious, writes outside it are Confirm.
type Classifier struct {
	referencedPaths map[string]bool
}

// NewClassifier creates a classifier with an empty referenced-path set
func NewClassifier() *Classifier {
	return &Classifier{
		referencedPaths: make(map[string]bool),
	}
}

// MarkReferenced records that a path was touched this session
func (c *Classifier) MarkReferenced(path string) {
	if path != "" {
		c.referencedPaths[path] = true
	}
}

// Classify returns the risk tier for a tool call
func (c *Classifier) Classify(name string, args map[string]interface{}) Tier {
	name = strings.ToLower(name)

	switch {
	case readOnlyTools[name]:
		return TierSafe

	case mutatingTools[name]:
		if path, ok := args["path"].(string); ok && c.referencedPaths[path] {
			return TierCautious
		}
		return TierConfirm

	case confirmTools[name]:
		return TierConfirm

	case name == "bash" || name == "shell":
		command, _ := args["command"].(string)
		return c.classifyShell(command)

	default:
		// Unknown tools get a human in the loop
		return TierConfirm
	}
}

// classifyShell analyzes a shell command for danger signals
func (c *Classifier) classifyShell(command string) Tier {
	if command == "" {
		return TierConfirm
	}

	if blocked, _ := MatchDenyList(command); blocked {
		return TierDangerous
	}

	lower := strings.ToLower(command)
	if strings.Contains(lower, "sudo") || strings.Contains(lower, "--force") {
		return TierDangerous
	}

	if strings.Contains(lower, "rm ") || strings.Contains(lower, "mv ") ||
		strings.Contains(lower, "chmod") || strings.Contains(lower, "chown") ||
		strings.Contains(lower, "git push") || strings.Contains(lower, "git commit") {
		return TierConfirm
	}

	// Bare allowlisted commands with no shell plumbing are reads
	if !strings.ContainsAny(command, "|;&><`$") {
		fields := strings.Fields(command)
		if len(fields) > 0 && readOnlyCommands[fields[0]] {
			return TierSafe
		}
	}

	return TierCautious
}

// ErrBlocked is returned when a call matches the destructive deny-list
type ErrBlocked struct {
	Tool    string
	Pattern string
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("tool %q blocked: matches destructive pattern %q", e.Tool, e.Pattern)
}

// Gate rejects Dangerous calls outright. It returns an *ErrBlocked for any
// call on the deny-list and nil otherwise; callers must treat a non-nil
// return as final, never as a warning.
func (c *Classifier) Gate(name string, args map[string]interface{}) error {
	if c.Classify(name, args) != TierDangerous {
		return nil
	}
	pattern := "dangerous operation"
	if command, ok := args["command"].(string); ok {
		if blocked, p := MatchDenyList(command); blocked {
			pattern = p
		}
	}
	return &ErrBlocked{Tool: name, Pattern: pattern}
}
