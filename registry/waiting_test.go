package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridline/scheduler/backend/chassis/storage"
)

func manager(name string, tags []string, programs map[string]string) *storage.Manager {
	return &storage.Manager{
		Name:     name,
		Tags:     tags,
		Programs: programs,
	}
}

func TestWaitingReasons(t *testing.T) {
	task := &storage.Task{
		RecordID:         42,
		Tag:              "gpu",
		RequiredPrograms: []string{"compute", "geometric"},
	}
	managers := []*storage.Manager{
		manager("cluster-a-1", []string{"gpu"}, map[string]string{"compute": "1.0", "geometric": "2.1"}),
		manager("cluster-a-2", []string{"cpu"}, map[string]string{"compute": "1.0", "geometric": "2.1"}),
		manager("cluster-b-1", []string{"gpu"}, map[string]string{"compute": "1.0"}),
		manager("cluster-c-1", []string{"*"}, map[string]string{"compute": "1.0", "geometric": "2.1"}),
	}

	reasons := WaitingReasons(task, managers)

	assert.Equal(t, ReasonEligible, reasons["cluster-a-1"])
	assert.Equal(t, ReasonTagMismatch, reasons["cluster-a-2"])
	assert.Equal(t, "missing programs: geometric", reasons["cluster-b-1"])
	assert.Equal(t, ReasonEligible, reasons["cluster-c-1"])
}

func TestWaitingReasonsProgramsBeforeTags(t *testing.T) {
	// A manager failing both checks reports the program gap.
	task := &storage.Task{Tag: "gpu", RequiredPrograms: []string{"compute"}}
	managers := []*storage.Manager{
		manager("m1", []string{"cpu"}, map[string]string{}),
	}
	reasons := WaitingReasons(task, managers)
	assert.Equal(t, "missing programs: compute", reasons["m1"])
}

func TestWaitingReasonsCaseInsensitive(t *testing.T) {
	task := &storage.Task{Tag: "GPU", RequiredPrograms: []string{"Compute"}}
	managers := []*storage.Manager{
		manager("m1", []string{"gpu"}, map[string]string{"compute": "1.0"}),
	}
	reasons := WaitingReasons(task, managers)
	assert.Equal(t, ReasonEligible, reasons["m1"])
}

func TestMissingProgramsSorted(t *testing.T) {
	missing := missingPrograms([]string{"zeta", "alpha"}, map[string]string{})
	assert.Equal(t, []string{"alpha", "zeta"}, missing)
}
