package frontend

import (
	"fmt"
	"strings"

	"github.com/dontdude/runnerd/internal/domain"
)

// MaxBlockRunes is the block length at which output is cut and marked.
const MaxBlockRunes = 1000

const truncatedMarker = "[TRUNCATED]"

// Field is one labelled, fenced block of a reply.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormatBlock fences text for chat rendering. Text of MaxBlockRunes runes or
// more is cut to MaxBlockRunes and marked truncated.
func FormatBlock(text, syntax string) string {
	runes := []rune(text)
	if len(runes) < MaxBlockRunes {
		return fmt.Sprintf("```%s\n%s\n```", syntax, text)
	}
	return fmt.Sprintf("```%s\n%s%s```", syntax, string(runes[:MaxBlockRunes]), truncatedMarker)
}

func syntaxFor(lang domain.Language) string {
	switch lang {
	case domain.LanguageRust:
		return "rs"
	case domain.LanguagePython:
		return "py"
	default:
		return ""
	}
}

// statusMessage is the user facing line shown above the fields.
func statusMessage(resp domain.ExecuteResponse) string {
	switch resp.Status {
	case domain.StatusOk:
		if resp.Retcode == 0 {
			return "ran"
		}
		return fmt.Sprintf("ran, exit code %d", resp.Retcode)
	case domain.StatusTimeout:
		return "your program took too long to run"
	case domain.StatusSandboxError:
		return "your program could not be started"
	case domain.StatusInvalidOutput:
		return "your program produced output that is not valid UTF-8"
	default:
		return resp.Status.String()
	}
}

// buildFields lays out Code, Output and Error. Empty streams are omitted; a
// failure reason is shown in the Error block when stderr is empty.
func buildFields(sub Submission, resp domain.ExecuteResponse) []Field {
	fields := []Field{{Name: "Code", Value: FormatBlock(sub.Code, syntaxFor(sub.Language))}}
	if resp.Stdout != "" {
		fields = append(fields, Field{Name: "Output", Value: FormatBlock(resp.Stdout, "")})
	}
	stderr := resp.Stderr
	if stderr == "" && resp.Status != domain.StatusOk {
		stderr = resp.Error
	}
	if stderr != "" {
		fields = append(fields, Field{Name: "Error", Value: FormatBlock(stderr, "")})
	}
	return fields
}

// Render joins a reply into a single chat message.
func (r Reply) Render() string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, f := range r.Fields {
		b.WriteString("\n**")
		b.WriteString(f.Name)
		b.WriteString("**\n")
		b.WriteString(f.Value)
	}
	return b.String()
}
