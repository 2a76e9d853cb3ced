package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/dayrun/internal/models"
)

func TestDefault(t *testing.T) {
	c := Default("python3")

	require.Len(t, c.Stages, 11)
	for i, s := range c.Stages {
		assert.Equal(t, i, s.Index)
		if i == 3 {
			assert.Equal(t, models.StageFork, s.Kind)
			continue
		}
		assert.Equal(t, models.StageSequential, s.Kind, "stage %d", i)
		assert.Len(t, s.Members, 1, "stage %d", i)
	}

	fork := c.Stages[3]
	require.Len(t, fork.Members, 2)
	assert.Equal(t, []string{"python3", "pipelines/2_overview/generate_overview_full.py"}, fork.Members[0].Command)
	assert.Equal(t, 5, fork.Members[0].ExpectedSteps)
	assert.Equal(t, []string{"python3", "pipelines/2_overview/Index_data.py"}, fork.Members[1].Command)
	assert.Equal(t, 2, fork.Members[1].ExpectedSteps)

	assert.Equal(t, 14, c.Stages[0].Members[0].ExpectedSteps)
	assert.Equal(t, []models.JoinPoint{{Fork: 3, At: 11}}, c.Joins)
}

func TestDefaultInterpreter(t *testing.T) {
	c := Default("")
	assert.Equal(t, DefaultInterpreter, c.Stages[0].Members[0].Command[0])
}

func TestProduce(t *testing.T) {
	c := Default("python")

	tests := []struct {
		name       string
		start      int
		wantStages int
		wantFirst  int
		wantJoins  []models.JoinPoint
	}{
		{name: "full plan", start: 0, wantStages: 11, wantFirst: 0, wantJoins: []models.JoinPoint{{Fork: 3, At: 11}}},
		{name: "start at fork keeps join", start: 3, wantStages: 8, wantFirst: 3, wantJoins: []models.JoinPoint{{Fork: 3, At: 11}}},
		{name: "start after fork drops join", start: 4, wantStages: 7, wantFirst: 4, wantJoins: nil},
		{name: "last stage", start: 10, wantStages: 1, wantFirst: 10, wantJoins: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := c.Produce(tt.start)
			require.NoError(t, err)

			assert.Equal(t, tt.start, plan.Offset)
			require.Len(t, plan.Stages, tt.wantStages)
			assert.Equal(t, tt.wantFirst, plan.Stages[0].Index)
			assert.Equal(t, tt.wantJoins, plan.Joins)
			assert.Equal(t, 11, plan.End())
		})
	}
}

func TestProduceDoesNotAliasCatalog(t *testing.T) {
	c := Default("python")

	plan, err := c.Produce(0)
	require.NoError(t, err)
	plan.Stages[0].Label = "changed"

	assert.NotEqual(t, "changed", c.Stages[0].Label)
}

func TestProduceOutOfRange(t *testing.T) {
	c := Default("python")

	for _, start := range []int{-1, 11, 42} {
		_, err := c.Produce(start)
		assert.ErrorIs(t, err, ErrStartOutOfRange, "start %d", start)
	}
}

func TestJoinsAt(t *testing.T) {
	plan, err := Default("python").Produce(0)
	require.NoError(t, err)

	assert.Empty(t, plan.JoinsAt(4))
	assert.Equal(t, []models.JoinPoint{{Fork: 3, At: 11}}, plan.JoinsAt(plan.End()))
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
	}{
		{
			name:  "empty plan",
			build: func(b *Builder) {},
		},
		{
			name: "fork without join",
			build: func(b *Builder) {
				b.Fork("bg", b.Pipeline("a", "a.py", nil, 1))
				b.Sequential("", b.Pipeline("b", "b.py", nil, 1))
			},
		},
		{
			name: "fork joined twice",
			build: func(b *Builder) {
				f := b.Fork("bg", b.Pipeline("a", "a.py", nil, 1))
				b.Sequential("", b.Pipeline("b", "b.py", nil, 1))
				b.Join(f)
				b.Join(f)
			},
		},
		{
			name: "join of a sequential stage",
			build: func(b *Builder) {
				s := b.Sequential("", b.Pipeline("a", "a.py", nil, 1))
				b.Sequential("", b.Pipeline("b", "b.py", nil, 1))
				b.Join(s)
			},
		},
		{
			name: "join of unknown stage",
			build: func(b *Builder) {
				b.Sequential("", b.Pipeline("a", "a.py", nil, 1))
				b.Join(7)
			},
		},
		{
			name: "stage without pipelines",
			build: func(b *Builder) {
				b.Sequential("empty")
			},
		},
		{
			name: "pipeline without command",
			build: func(b *Builder) {
				b.Sequential("", b.Pipeline("a", "", nil, 1))
			},
		},
		{
			name: "negative steps",
			build: func(b *Builder) {
				b.Sequential("", b.Pipeline("a", "a.py", nil, -2))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder("python")
			tt.build(b)
			_, err := b.Build()
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestValidateJoinPosition(t *testing.T) {
	b := NewBuilder("python")
	f := b.Fork("bg", b.Pipeline("a", "a.py", nil, 1))
	b.Join(f)
	c, err := b.Build()
	require.NoError(t, err, "a fork may be joined at the end of the plan")

	for _, at := range []int{0, 2} {
		c.Joins = []models.JoinPoint{{Fork: f, At: at}}
		assert.ErrorIs(t, c.Validate(), ErrInvalidPlan, "join at %d", at)
	}
}

func TestBuilderPipeline(t *testing.T) {
	b := NewBuilder("python3")

	p := b.Pipeline("", "etl.py", nil, 0)
	assert.Equal(t, "etl.py", p.Name)
	assert.Equal(t, []string{"python3", "etl.py"}, p.Command)
	assert.Equal(t, 1, p.ExpectedSteps)

	p = b.Pipeline("refine", "ignored.py", []string{"bash", "refine.sh"}, 3)
	assert.Equal(t, []string{"bash", "refine.sh"}, p.Command)
	assert.Equal(t, 3, p.ExpectedSteps)
	assert.Equal(t, "bash refine.sh", p.String())

	b.SetInterpreter("")
	p = b.Pipeline("bin", "./run", nil, 2)
	assert.Equal(t, []string{"./run"}, p.Command)
}

func TestBuilderLabelsFromFirstMember(t *testing.T) {
	b := NewBuilder("python")
	idx := b.Sequential("", b.Pipeline("ETL", "etl.py", nil, 1))
	c, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, 0, idx)
	assert.Equal(t, "ETL", c.Stages[0].Label)
}
