package restriction

import (
	"fmt"
	"path"
	"strings"

	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

// Commands still available to a task running in restricted command mode.
var restrictedModeCommands = map[string]struct{}{
	"task.complete":    {},
	"task.logissue":    {},
	"task.setprogress": {},
	"task.setvariable": {},
}

// Decision is the outcome of a restriction check.
type Decision struct {
	Allowed bool
	// Enforced is false when a denial is only reported as a warning.
	Enforced bool
	Reason   string
}

// Denied reports whether the operation must not be performed.
func (d Decision) Denied() bool {
	return !d.Allowed && d.Enforced
}

type Option func(*Checker)

// WithEnforcement controls whether denials are enforced or only warned about.
func WithEnforcement(enforce bool) Option {
	return func(c *Checker) {
		c.enforce = enforce
	}
}

// Checker evaluates the intersection of all restrictions applying to a step.
type Checker struct {
	enforce bool
}

func NewChecker(opts ...Option) *Checker {
	c := &Checker{enforce: true}
	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Checker) allow() Decision {
	return Decision{Allowed: true, Enforced: c.enforce}
}

func (c *Checker) deny(format string, args ...any) Decision {
	return Decision{Enforced: c.enforce, Reason: fmt.Sprintf(format, args...)}
}

// CheckCommand checks a logging command `area.event`. A single restricted command mode denies
// everything outside the restricted mode set.
func (c *Checker) CheckCommand(restrictions []v1.TaskRestrictions, command string) Decision {
	command = strings.ToLower(command)
	for _, r := range restrictions {
		if r.Commands == nil || !strings.EqualFold(r.Commands.Mode, v1.CommandsModeRestricted) {
			continue
		}

		if _, ok := restrictedModeCommands[command]; !ok {
			return c.deny("command %s is not allowed in restricted command mode", command)
		}
	}

	return c.allow()
}

// CheckSettableVariable checks a variable name against every allow list. The name has to be
// allowed by all of them.
func (c *Checker) CheckSettableVariable(restrictions []v1.TaskRestrictions, name string) Decision {
	for _, r := range restrictions {
		if r.SettableVariables == nil {
			continue
		}

		if !matchesAny(r.SettableVariables.Allowed, name) {
			return c.deny("variable %s is not in the list of settable variables", name)
		}
	}

	return c.allow()
}

func matchesAny(patterns []string, name string) bool {
	name = strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, err := path.Match(strings.ToLower(pattern), name); err == nil && ok {
			return true
		}
	}

	return false
}

// FromTarget converts the restrictions declared on a step target.
func FromTarget(target *v1.StepTarget) []v1.TaskRestrictions {
	if target == nil {
		return nil
	}

	var r v1.TaskRestrictions
	if strings.EqualFold(target.Commands, v1.CommandsModeRestricted) {
		r.Commands = &v1.CommandRestrictions{Mode: v1.CommandsModeRestricted}
	}

	r.SettableVariables = target.SettableVariables
	if r.Commands == nil && r.SettableVariables == nil {
		return nil
	}

	return []v1.TaskRestrictions{r}
}
