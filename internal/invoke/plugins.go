package invoke

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/task"
)

// setVariablesPlugin sets every `name=value` line of the variables input. Names are subject
// to the restrictions of the step.
func (i *Invoker) setVariablesPlugin(ec *execution.Context, inv task.Invocation) error {
	scanner := bufio.NewScanner(strings.NewReader(inv.Inputs["variables"]))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid variable declaration `%s`", line)
		}

		err := i.commands.setVariable(ec, Command{
			Area:       "task",
			Event:      "setvariable",
			Properties: map[string]string{"variable": strings.TrimSpace(name)},
			Data:       value,
		})
		if err != nil {
			return err
		}
	}

	return scanner.Err()
}

// cleanupPlugin removes the directories of the paths input. Only paths below the work folder
// are accepted.
func (i *Invoker) cleanupPlugin(ec *execution.Context, inv task.Invocation) error {
	root := filepath.Clean(i.settings.WorkDir)
	for _, p := range strings.Split(inv.Inputs["paths"], "\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}

		p = filepath.Clean(p)
		if i.settings.WorkDir == "" || p == root || !strings.HasPrefix(p, root+string(filepath.Separator)) {
			return fmt.Errorf("refusing to remove %s outside of the work folder", p)
		}

		ec.Output(fmt.Sprintf("Removing %s", p))
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}

	return nil
}
