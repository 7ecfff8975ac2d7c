package risk

import "regexp"

// denyList is the fixed set of destructive shell patterns that are rejected
// before dispatch, independent of any autonomy setting. The list is
// intentionally short and literal: it exists to stop the catastrophic cases
// (wiping a tree, forking the host to death, writing raw devices, piping
// the network into a shell), not to be a general command firewall.
var denyList = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{
		name:    "recursive delete of root or home",
		pattern: regexp.MustCompile(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\s+(/\s*$|/\s|/[a-z]*\s*$|~|\$HOME|/home\b|/tmp/\S+|\.\s*$|\*)`),
	},
	{
		name:    "fork bomb",
		pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`),
	},
	{
		name:    "raw device write",
		pattern: regexp.MustCompile(`(dd\s+[^|;]*of=/dev/|>\s*/dev/(sd|nvme|hd|vd)|mkfs(\.\w+)?\s+/dev/)`),
	},
	{
		name:    "piped remote execution",
		pattern: regexp.MustCompile(`(curl|wget)\s+[^|;]*\|\s*(sudo\s+)?(ba)?sh`),
	},
	{
		name:    "filesystem shred",
		pattern: regexp.MustCompile(`shred\s+[^|;]*/dev/`),
	},
}

// MatchDenyList reports whether a shell command matches a destructive
// pattern, and which one
func MatchDenyList(command string) (bool, string) {
	for _, entry := range denyList {
		if entry.pattern.MatchString(command) {
			return true, entry.name
		}
	}
	return false, ""
}
