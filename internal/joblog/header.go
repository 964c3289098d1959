package joblog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header opens every job log, before any process output.
type Header struct {
	JobID     string
	URL       string
	Binary    string
	OutputDir string
	Args      []string
	Started   time.Time
}

// Bytes renders the header as "# key: value" lines followed by a blank line.
func (h Header) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# job: %s\n", h.JobID)
	fmt.Fprintf(&b, "# url: %s\n", h.URL)
	fmt.Fprintf(&b, "# binary: %s\n", h.Binary)
	fmt.Fprintf(&b, "# output: %s\n", h.OutputDir)
	fmt.Fprintf(&b, "# command: %s\n", commandLine(h.Binary, h.Args))
	fmt.Fprintf(&b, "# started: %s\n", h.Started.UTC().Format(time.RFC3339))
	b.WriteByte('\n')
	return b.Bytes()
}

func commandLine(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{bin}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\"'\\$&;|<>") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// ExitLine is the trailer appended when the process ends.
func ExitLine(code int) []byte {
	return []byte(fmt.Sprintf("\nexit code %d\n", code))
}

// FailureLine is the trailer appended when the process could not run or
// was stopped without an exit code.
func FailureLine(reason string) []byte {
	return []byte(fmt.Sprintf("\nprocess failed: %s\n", reason))
}
