package invoke

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/restriction"
)

const commandPrefix = "##rageta["

// Command is a logging command written by a task to its output.
type Command struct {
	Area       string
	Event      string
	Properties map[string]string
	Data       string
}

func (c Command) Name() string {
	return c.Area + "." + c.Event
}

// ParseCommand parses `##rageta[area.event key=value;key=value]data`.
func ParseCommand(line string) (Command, bool) {
	i := strings.Index(line, commandPrefix)
	if i < 0 {
		return Command{}, false
	}

	rest := line[i+len(commandPrefix):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return Command{}, false
	}

	head, data := rest[:end], rest[end+1:]
	name, props, _ := strings.Cut(head, " ")
	area, event, ok := strings.Cut(name, ".")
	if !ok || area == "" || event == "" {
		return Command{}, false
	}

	cmd := Command{
		Area:       strings.ToLower(area),
		Event:      strings.ToLower(event),
		Properties: make(map[string]string),
		Data:       unescape(data),
	}

	for _, prop := range strings.Split(props, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(prop), "=")
		if ok && k != "" {
			cmd.Properties[strings.ToLower(k)] = unescape(v)
		}
	}

	return cmd, true
}

var unescaper = strings.NewReplacer("%3B", ";", "%0D", "\r", "%0A", "\n", "%5D", "]", "%25", "%")

func unescape(s string) string {
	return unescaper.Replace(s)
}

// CommandProcessor applies logging commands to the execution context of a step.
type CommandProcessor struct {
	checker *restriction.Checker
}

func NewCommandProcessor(checker *restriction.Checker) *CommandProcessor {
	if checker == nil {
		checker = restriction.NewChecker()
	}

	return &CommandProcessor{checker: checker}
}

// Process handles line if it is a logging command and reports whether it was one.
func (p *CommandProcessor) Process(ec *execution.Context, line string) bool {
	cmd, ok := ParseCommand(line)
	if !ok {
		return false
	}

	decision := p.checker.CheckCommand(ec.Restrictions(), cmd.Name())
	if !decision.Allowed {
		ec.Warning("%s", decision.Reason)
		if decision.Denied() {
			return true
		}
	}

	if err := p.apply(ec, cmd); err != nil {
		ec.Warning("logging command %s failed: %s", cmd.Name(), err)
	}

	return true
}

func (p *CommandProcessor) apply(ec *execution.Context, cmd Command) error {
	switch cmd.Name() {
	case "task.setvariable":
		return p.setVariable(ec, cmd)
	case "task.logissue":
		issueType := execution.IssueTypeWarning
		if strings.EqualFold(cmd.Properties["type"], string(execution.IssueTypeError)) {
			issueType = execution.IssueTypeError
		}

		ec.AddIssue(execution.Issue{Type: issueType, Message: cmd.Data})
	case "task.complete":
		result := execution.Succeeded
		switch strings.ToLower(cmd.Properties["result"]) {
		case "failed":
			result = execution.Failed
		case "succeededwithissues":
			result = execution.SucceededWithIssues
		case "skipped":
			result = execution.Skipped
		}

		if cmd.Data != "" {
			ec.Output(cmd.Data)
		}

		ec.SetResult(result)
		ec.ForceTaskComplete()
	case "task.setprogress":
		ec.Logger().V(1).Info("task progress", "value", cmd.Properties["value"], "message", cmd.Data)
	case "task.prependpath":
		path := ec.Variables.Root().GetOrDefault(VariablePrependPath, "")
		if path != "" {
			path = cmd.Data + string(pathListSeparator) + path
		} else {
			path = cmd.Data
		}

		return ec.Variables.Root().Set(VariablePrependPath, path)
	default:
		return fmt.Errorf("unknown command")
	}

	return nil
}

func (p *CommandProcessor) setVariable(ec *execution.Context, cmd Command) error {
	name := cmd.Properties["variable"]
	if name == "" {
		return fmt.Errorf("variable name is required")
	}

	decision := p.checker.CheckSettableVariable(ec.Restrictions(), name)
	if !decision.Allowed {
		ec.Warning("%s", decision.Reason)
		if decision.Denied() {
			return nil
		}
	}

	var opts []execution.VariableOption
	if b, _ := strconv.ParseBool(cmd.Properties["issecret"]); b {
		opts = append(opts, execution.AsSecret())
	}

	if b, _ := strconv.ParseBool(cmd.Properties["isreadonly"]); b {
		opts = append(opts, execution.AsReadOnly())
	}

	return ec.Variables.Root().Set(name, cmd.Data, opts...)
}
