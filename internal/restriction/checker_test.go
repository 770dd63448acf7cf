package restriction

import (
	"testing"

	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/stretchr/testify/assert"
)

func restricted() v1.TaskRestrictions {
	return v1.TaskRestrictions{Commands: &v1.CommandRestrictions{Mode: v1.CommandsModeRestricted}}
}

func allowList(names ...string) v1.TaskRestrictions {
	return v1.TaskRestrictions{SettableVariables: &v1.VariableRestrictions{Allowed: names}}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name         string
		restrictions []v1.TaskRestrictions
		command      string
		allowed      bool
	}{
		{name: "no restrictions", command: "task.prependpath", allowed: true},
		{name: "any mode", restrictions: []v1.TaskRestrictions{{Commands: &v1.CommandRestrictions{Mode: v1.CommandsModeAny}}}, command: "task.prependpath", allowed: true},
		{name: "restricted mode denies", restrictions: []v1.TaskRestrictions{restricted()}, command: "task.prependpath"},
		{name: "restricted mode allows logissue", restrictions: []v1.TaskRestrictions{restricted()}, command: "TASK.LogIssue", allowed: true},
		{name: "one restricted set wins", restrictions: []v1.TaskRestrictions{{}, restricted()}, command: "artifact.upload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewChecker().CheckCommand(tt.restrictions, tt.command)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, !tt.allowed, d.Denied())
		})
	}
}

func TestCheckSettableVariable(t *testing.T) {
	tests := []struct {
		name         string
		restrictions []v1.TaskRestrictions
		variable     string
		allowed      bool
	}{
		{name: "no restrictions", variable: "foo", allowed: true},
		{name: "allowed", restrictions: []v1.TaskRestrictions{allowList("foo")}, variable: "FOO", allowed: true},
		{name: "wildcard", restrictions: []v1.TaskRestrictions{allowList("build.*")}, variable: "build.version", allowed: true},
		{name: "empty list denies", restrictions: []v1.TaskRestrictions{allowList()}, variable: "foo"},
		{name: "intersection", restrictions: []v1.TaskRestrictions{allowList("foo", "bar"), allowList("bar")}, variable: "foo"},
		{name: "intersection allows common", restrictions: []v1.TaskRestrictions{allowList("foo", "bar"), allowList("b*")}, variable: "bar", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewChecker().CheckSettableVariable(tt.restrictions, tt.variable)
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}
}

func TestWarnOnly(t *testing.T) {
	d := NewChecker(WithEnforcement(false)).CheckCommand([]v1.TaskRestrictions{restricted()}, "task.prependpath")
	assert.False(t, d.Allowed)
	assert.False(t, d.Denied())
	assert.NotEmpty(t, d.Reason)
}

func TestFromTarget(t *testing.T) {
	assert.Nil(t, FromTarget(nil))
	assert.Nil(t, FromTarget(&v1.StepTarget{Target: "host"}))
	assert.Equal(t, []v1.TaskRestrictions{restricted()}, FromTarget(&v1.StepTarget{Commands: "restricted"}))
}
