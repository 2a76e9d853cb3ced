package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/dayrun/internal/models"
)

const samplePlanYAML = `
interpreter: python3
stages:
  - pipelines:
      - name: ETL
        script: etl.py
        steps: 4
  - kind: fork
    id: overview
    label: Overview
    pipelines:
      - name: Overview data
        script: overview.py
        steps: 5
      - name: Index data
        command: [bash, index.sh]
  - kind: sequential
    label: Refine
    pipelines:
      - name: Refine
        script: refine.py
        steps: 2
  - kind: join
    fork: overview
  - pipelines:
      - name: Archive
        script: archive.py
`

func TestDecodeYAML(t *testing.T) {
	c, err := DecodeYAML([]byte(samplePlanYAML), "python")
	require.NoError(t, err)

	require.Len(t, c.Stages, 4)
	assert.Equal(t, models.StageSequential, c.Stages[0].Kind)
	assert.Equal(t, "ETL", c.Stages[0].Label)
	assert.Equal(t, []string{"python3", "etl.py"}, c.Stages[0].Members[0].Command)
	assert.Equal(t, 4, c.Stages[0].Members[0].ExpectedSteps)

	fork := c.Stages[1]
	assert.Equal(t, models.StageFork, fork.Kind)
	assert.Equal(t, "Overview", fork.Label)
	require.Len(t, fork.Members, 2)
	assert.Equal(t, []string{"bash", "index.sh"}, fork.Members[1].Command)
	assert.Equal(t, 1, fork.Members[1].ExpectedSteps)

	assert.Equal(t, []models.JoinPoint{{Fork: 1, At: 3}}, c.Joins)
	assert.Equal(t, 1, c.Stages[3].Members[0].ExpectedSteps)
}

func TestDecodeYAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown kind",
			doc: `
stages:
  - kind: parallel
    pipelines: [{name: a, script: a.py}]
`,
		},
		{
			name: "join of unknown fork",
			doc: `
stages:
  - pipelines: [{name: a, script: a.py}]
  - kind: join
    fork: nope
`,
		},
		{
			name: "duplicate fork id",
			doc: `
stages:
  - kind: fork
    id: bg
    pipelines: [{name: a, script: a.py}]
  - kind: fork
    id: bg
    pipelines: [{name: b, script: b.py}]
`,
		},
		{
			name: "fork never joined",
			doc: `
stages:
  - kind: fork
    id: bg
    pipelines: [{name: a, script: a.py}]
  - pipelines: [{name: b, script: b.py}]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeYAML([]byte(tt.doc), "python")
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestDecodeYAMLMalformed(t *testing.T) {
	_, err := DecodeYAML([]byte("stages: [unclosed"), "python")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse plan YAML")
}

const samplePlanLua = `
interpreter("python3")

local etl = pipeline{ name = "ETL", script = "etl.py", steps = 4 }
sequential(etl)

local overview = fork("Overview",
  pipeline{ name = "Overview data", script = "overview.py", steps = 5 },
  pipeline{ name = "Index data", command = { "bash", "index.sh" } })

sequential("Refine", pipeline{ name = "Refine", script = "refine.py", steps = 2 })
join(overview)
sequential(pipeline{ name = "Archive", script = "archive.py" })
`

func TestDecodeLua(t *testing.T) {
	c, err := DecodeLua(samplePlanLua, "python")
	require.NoError(t, err)

	require.Len(t, c.Stages, 4)
	assert.Equal(t, []string{"python3", "etl.py"}, c.Stages[0].Members[0].Command)
	assert.Equal(t, models.StageFork, c.Stages[1].Kind)
	assert.Equal(t, "Overview", c.Stages[1].Label)
	assert.Equal(t, []string{"bash", "index.sh"}, c.Stages[1].Members[1].Command)
	assert.Equal(t, 1, c.Stages[1].Members[1].ExpectedSteps)
	assert.Equal(t, "Refine", c.Stages[2].Label)
	assert.Equal(t, []models.JoinPoint{{Fork: 1, At: 3}}, c.Joins)
}

func TestDecodeLuaMatchesYAML(t *testing.T) {
	fromLua, err := DecodeLua(samplePlanLua, "python")
	require.NoError(t, err)
	fromYAML, err := DecodeYAML([]byte(samplePlanYAML), "python")
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromLua)
}

func TestDecodeLuaErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "syntax error", script: `sequential(`},
		{name: "pipeline without script", script: `sequential(pipeline{ name = "a" })`},
		{name: "stage without pipelines", script: `sequential("label")`},
		{name: "sandboxed io", script: `io.open("/etc/passwd")`},
		{name: "sandboxed os", script: `os.execute("true")`},
		{name: "unjoined fork", script: `fork(pipeline{ name = "a", script = "a.py" })`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLua(tt.script, "python")
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(samplePlanYAML), 0644))
	luaPath := filepath.Join(dir, "plan.lua")
	require.NoError(t, os.WriteFile(luaPath, []byte(samplePlanLua), 0644))

	for _, path := range []string{yamlPath, luaPath} {
		c, err := Load(path, "python")
		require.NoError(t, err, path)
		assert.Len(t, c.Stages, 4, path)
	}

	_, err := Load(filepath.Join(dir, "plan.toml"), "python")
	assert.ErrorContains(t, err, "unsupported plan file")

	_, err = Load(filepath.Join(dir, "missing.yaml"), "python")
	assert.Error(t, err)
}
