package engine

import (
	"sort"
	"time"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// instance is the engine's state for one process instance.
type instance struct {
	id                     string
	graph                  *model.Graph
	tree                   *execution.Tree
	state                  InstanceState
	superProcessInstanceID string
	startedAt              time.Time
	endedAt                *time.Time
	jobs                   map[string]*Job
}

func (i *instance) clone() *instance {
	c := *i
	c.tree = i.tree.Clone()
	c.jobs = make(map[string]*Job, len(i.jobs))
	for id, j := range i.jobs {
		c.jobs[id] = j.Clone()
	}
	if i.endedAt != nil {
		t := *i.endedAt
		c.endedAt = &t
	}
	return &c
}

func (i *instance) record() *InstanceRecord {
	return &InstanceRecord{
		ID:                     i.id,
		DefinitionID:           i.graph.DefinitionID(),
		RootProcessInstanceID:  i.tree.RootProcessInstanceID(),
		SuperProcessInstanceID: i.superProcessInstanceID,
		SuperExecutionID:       i.tree.SuperExecutionID(),
		State:                  i.state,
		StartedAt:              i.startedAt,
		EndedAt:                i.endedAt,
	}
}

func (i *instance) view() *ProcessInstance {
	def := i.graph.Definition()
	return &ProcessInstance{
		ID:                     i.id,
		DefinitionID:           def.ID,
		DefinitionKey:          def.Key,
		DefinitionVersion:      def.Version,
		RootProcessInstanceID:  i.tree.RootProcessInstanceID(),
		SuperProcessInstanceID: i.superProcessInstanceID,
		SuperExecutionID:       i.tree.SuperExecutionID(),
		State:                  i.state,
		StartedAt:              i.startedAt,
		EndedAt:                i.endedAt,
		ActiveActivityIDs:      i.tree.ActiveActivityIDs(),
	}
}

// sortedJobs orders jobs by the declaration of their activity of origin, then creation.
func (i *instance) sortedJobs() []*Job {
	jobs := make([]*Job, 0, len(i.jobs))
	for _, j := range i.jobs {
		jobs = append(jobs, j)
	}
	i.sortJobs(jobs)
	return jobs
}

func (i *instance) sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(a, b int) bool {
		da, db := i.graph.DeclarationIndex(jobs[a].ActivityID), i.graph.DeclarationIndex(jobs[b].ActivityID)
		if da != db {
			return da < db
		}
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

// jobsOf returns the jobs owned by an execution in declaration order.
func (i *instance) jobsOf(executionID string) []*Job {
	var jobs []*Job
	for _, j := range i.jobs {
		if j.ExecutionID == executionID {
			jobs = append(jobs, j)
		}
	}
	i.sortJobs(jobs)
	return jobs
}
