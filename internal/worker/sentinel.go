package worker

import (
	"regexp"
	"strconv"
	"strings"
)

// Workers optionally end their stdout with well-known sentinel lines:
//
//	Claude completed with exit code: <n>
//	Files created in working directory:
//	<ls -la style listing>
//
// Their absence is tolerated; the process exit code remains authoritative
// when no sentinel is present.
var (
	completionRe = regexp.MustCompile(`(?m)^Claude completed with exit code:\s*(-?\d+)\s*$`)
	filesRe      = regexp.MustCompile(`(?m)^Files created in working directory:\s*$`)
)

// Sentinels is what the supervisor extracted from worker stdout.
type Sentinels struct {
	CompletionSeen bool
	ReportedCode   int
	FilesSeen      bool
	ListedFiles    []string
}

// scanSentinels parses sentinel lines from the tail of worker output.
func scanSentinels(output string) Sentinels {
	var s Sentinels

	if m := completionRe.FindStringSubmatch(output); m != nil {
		s.CompletionSeen = true
		if code, err := strconv.Atoi(m[1]); err == nil {
			s.ReportedCode = code
		}
	}

	loc := filesRe.FindStringIndex(output)
	if loc == nil {
		return s
	}
	s.FilesSeen = true

	// Everything after the marker is an ls -la style listing; the file
	// name is the last whitespace-separated field of each entry line.
	for _, line := range strings.Split(output[loc[1]:], "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		name := fields[len(fields)-1]
		if name == "." || name == ".." {
			continue
		}
		// Plain file-per-line listings are accepted too.
		s.ListedFiles = append(s.ListedFiles, name)
	}
	return s
}
