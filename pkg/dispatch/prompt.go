package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/types"
)

const defaultSender = "orchestrator"

const reportInstructions = `<reporting>
Reply with the result of the task. When the task changed files or found
problems, end your reply with a fenced json block of the form
{"summary": "...", "details": "...", "issues": [], "filesChanged": [], "notes": "..."}
</reporting>`

var reportBlock = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```\\s*$")

// buildPrompt assembles the text part with its source header and one file
// part per image attachment
func buildPrompt(message string, opts Options, atts []types.Attachment) runtime.PromptRequest {
	from := opts.From
	if from == "" {
		from = defaultSender
	}

	var b strings.Builder
	b.WriteString("<message-source>\n")
	fmt.Fprintf(&b, "from: %s\n", from)
	if opts.JobID != "" {
		fmt.Fprintf(&b, "job: %s\n", opts.JobID)
	}
	b.WriteString("</message-source>\n\n")
	b.WriteString(message)

	var files []string
	var parts []runtime.Part
	for _, a := range atts {
		if a.Type != types.AttachmentImage {
			if a.Path != "" {
				files = append(files, a.Path)
			} else {
				files = append(files, a.Name+" (inline)")
			}
			continue
		}
		part := runtime.Part{Type: runtime.PartFile, Mime: a.MimeType, Filename: a.Name}
		if a.Base64 != "" {
			part.URL = "data:" + a.MimeType + ";base64," + a.Base64
		} else {
			part.URL = "file://" + a.Path
		}
		parts = append(parts, part)
	}
	if len(files) > 0 {
		b.WriteString("\n\nAttached files:\n")
		for _, f := range files {
			b.WriteString("- " + f + "\n")
		}
	}
	b.WriteString("\n\n")
	b.WriteString(reportInstructions)

	req := runtime.PromptRequest{Parts: []runtime.Part{{Type: runtime.PartText, Text: b.String()}}}
	req.Parts = append(req.Parts, parts...)
	return req
}

// ParseReport extracts the trailing json report block of a worker reply
func ParseReport(response string) (*types.JobReport, bool) {
	m := reportBlock.FindStringSubmatch(strings.TrimSpace(response))
	if m == nil {
		return nil, false
	}
	var r types.JobReport
	if err := json.Unmarshal([]byte(m[1]), &r); err != nil {
		return nil, false
	}
	if r.Summary == "" && r.Details == "" && len(r.Issues) == 0 && len(r.FilesChanged) == 0 && r.Notes == "" {
		return nil, false
	}
	return &r, true
}

// Preview shortens s to at most n runes on one line
func Preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}
