package core

import (
	"fmt"
	"strings"
)

// ActionKind discriminates the action variants.
type ActionKind string

const (
	// ActionShell runs an arbitrary command line through the system shell.
	ActionShell ActionKind = "shell"
	// ActionPrompt hands a prompt to the configured agent CLI.
	ActionPrompt ActionKind = "prompt"
)

// Action is the opaque descriptor of what a task runs. The scheduler treats
// it as a black-box process with an exit status: 0 is success with stdout as
// the result, non-zero is failure with stderr as the error detail.
type Action struct {
	Kind ActionKind
	// Spec is the command line for shell actions, or the prompt text for
	// prompt actions.
	Spec string
}

// NewShellAction builds a shell action, rejecting empty commands.
func NewShellAction(command string) (Action, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Action{}, fmt.Errorf("command is empty")
	}
	return Action{Kind: ActionShell, Spec: command}, nil
}

// NewPromptAction builds an agent-prompt action, rejecting empty prompts.
func NewPromptAction(prompt string) (Action, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Action{}, fmt.Errorf("prompt is empty")
	}
	return Action{Kind: ActionPrompt, Spec: prompt}, nil
}

// Validate checks that the action carries a known kind and a non-empty spec.
func (a Action) Validate() error {
	if a.Kind != ActionShell && a.Kind != ActionPrompt {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if strings.TrimSpace(a.Spec) == "" {
		return fmt.Errorf("action spec is empty")
	}
	return nil
}

// Argv builds the process argument vector for the action. Shell actions go
// through /bin/sh -c so the stored command line keeps its quoting. Prompt
// actions invoke the agent binary in non-interactive mode with the prompt as
// the final argument.
func (a Action) Argv(agentCommand []string) []string {
	if a.Kind == ActionPrompt {
		argv := make([]string, 0, len(agentCommand)+1)
		argv = append(argv, agentCommand...)
		return append(argv, a.Spec)
	}
	return []string{"/bin/sh", "-c", a.Spec}
}
