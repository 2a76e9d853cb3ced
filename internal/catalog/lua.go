package catalog

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/dayrun/internal/models"
)

// ParseLua runs a plan script in a sandboxed Lua state. The script describes
// the plan by calling:
//
//	interpreter("python3")
//	local etl = pipeline{ name = "ETL", script = "etl.py", steps = 4 }
//	sequential(etl)
//	local bg = fork(pipeline{ ... }, pipeline{ ... })
//	sequential("Refine", pipeline{ command = { "bash", "refine.sh" }, steps = 2 })
//	join(bg)
func ParseLua(path, interpreter string) (*Catalog, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan script: %w", err)
	}
	return DecodeLua(string(script), interpreter)
}

func DecodeLua(script, interpreter string) (*Catalog, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	openSafeLibs(L)

	p := &luaPlan{b: NewBuilder(interpreter)}
	p.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("failed to run plan script: %w", err)
	}

	return p.b.Build()
}

// openSafeLibs loads the pure libraries only; plan scripts have no business
// touching the filesystem or spawning anything themselves.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

type luaPlan struct {
	b *Builder
}

func (p *luaPlan) registerAPI(L *lua.LState) {
	L.SetGlobal("interpreter", L.NewFunction(p.luaInterpreter))
	L.SetGlobal("pipeline", L.NewFunction(p.luaPipeline))
	L.SetGlobal("sequential", L.NewFunction(p.luaSequential))
	L.SetGlobal("fork", L.NewFunction(p.luaFork))
	L.SetGlobal("join", L.NewFunction(p.luaJoin))
}

func (p *luaPlan) luaInterpreter(L *lua.LState) int {
	p.b.SetInterpreter(L.CheckString(1))
	return 0
}

// luaPipeline checks the table and hands it back so it can be passed to
// sequential() or fork().
func (p *luaPlan) luaPipeline(L *lua.LState) int {
	tbl := L.CheckTable(1)
	if _, err := p.toSpec(tbl); err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	L.Push(tbl)
	return 1
}

func (p *luaPlan) luaSequential(L *lua.LState) int {
	label, members := p.stageArgs(L)
	L.Push(lua.LNumber(p.b.Sequential(label, members...)))
	return 1
}

func (p *luaPlan) luaFork(L *lua.LState) int {
	label, members := p.stageArgs(L)
	L.Push(lua.LNumber(p.b.Fork(label, members...)))
	return 1
}

func (p *luaPlan) luaJoin(L *lua.LState) int {
	p.b.Join(L.CheckInt(1))
	return 0
}

// stageArgs accepts an optional leading label followed by pipeline tables.
func (p *luaPlan) stageArgs(L *lua.LState) (string, []models.PipelineSpec) {
	var label string
	first := 1
	if s, ok := L.Get(1).(lua.LString); ok {
		label = string(s)
		first = 2
	}

	var members []models.PipelineSpec
	for i := first; i <= L.GetTop(); i++ {
		spec, err := p.toSpec(L.CheckTable(i))
		if err != nil {
			L.ArgError(i, err.Error())
			return "", nil
		}
		members = append(members, spec)
	}
	if len(members) == 0 {
		L.RaiseError("a stage needs at least one pipeline")
	}
	return label, members
}

func (p *luaPlan) toSpec(tbl *lua.LTable) (models.PipelineSpec, error) {
	name := lua.LVAsString(tbl.RawGetString("name"))
	script := lua.LVAsString(tbl.RawGetString("script"))
	steps := int(lua.LVAsNumber(tbl.RawGetString("steps")))

	var command []string
	if cmd, ok := tbl.RawGetString("command").(*lua.LTable); ok {
		for i := 1; i <= cmd.Len(); i++ {
			command = append(command, lua.LVAsString(cmd.RawGetInt(i)))
		}
	}

	if script == "" && len(command) == 0 {
		return models.PipelineSpec{}, fmt.Errorf("pipeline %q needs a script or a command", name)
	}
	return p.b.Pipeline(name, script, command, steps), nil
}
