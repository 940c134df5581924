package repair

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).ParseFS(promptFS, "prompts/*.tmpl"))

// Context is what the model sees about the project when asked for commands
// or for a repair decision.
type Context struct {
	Conversation []string
	CodeMarkdown string
	SystemOS     string
	// Commands and Error are only set for repair decisions.
	Commands []string
	Error    string
}

// CommandsPrompt asks for the ordered command list that runs the project.
func CommandsPrompt(c Context) (string, error) {
	return render("commands.tmpl", c)
}

// DecisionPrompt asks how to recover from a failed command.
func DecisionPrompt(c Context) (string, error) {
	return render("decision.tmpl", c)
}

func render(name string, c Context) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, c); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
