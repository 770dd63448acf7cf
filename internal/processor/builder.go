package processor

import (
	"github.com/raffis/rageta-agent/internal/steps"
)

type ProcessorBuilder func(step steps.Step) Bootstraper

func Builder(step steps.Step, builders ...ProcessorBuilder) []Bootstraper {
	var result []Bootstraper
	for _, builder := range builders {
		processor := builder(step)
		if processor != nil {
			result = append(result, processor)
		}
	}

	return result
}
