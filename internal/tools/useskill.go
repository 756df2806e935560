package tools

import (
	"context"
	"fmt"
	"strings"
)

// SkillInfo summarizes one loaded skill.
type SkillInfo struct {
	Name        string
	Description string
}

// SkillSource exposes loaded skills to the use_skill tool. The skills
// package implements it.
type SkillSource interface {
	List() []SkillInfo
	Instructions(name string) (string, error)
}

// UseSkillTool loads a skill's full instructions on demand. Only name
// and description are carried in the system prompt; the body is
// disclosed when the model asks for it.
type UseSkillTool struct {
	skills SkillSource
}

func NewUseSkillTool(s SkillSource) *UseSkillTool {
	return &UseSkillTool{skills: s}
}

func (t *UseSkillTool) Name() string { return "use_skill" }
func (t *UseSkillTool) Risk() Risk   { return RiskLow }

func (t *UseSkillTool) Description() string {
	return "Load the full instructions of a named skill. Call without skill_name to list available skills."
}

func (t *UseSkillTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"skill_name": strProp("Name of the skill to load."),
	})
}

func (t *UseSkillTool) Execute(ctx context.Context, call Call) Result {
	name := strings.TrimSpace(stringInput(call.Input, "skill_name"))
	if name == "" {
		infos := t.skills.List()
		if len(infos) == 0 {
			return Text("no skills installed")
		}
		var b strings.Builder
		for _, s := range infos {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
		return Text(strings.TrimRight(b.String(), "\n"))
	}

	instructions, err := t.skills.Instructions(name)
	if err != nil {
		return Errorf(ErrToolInternal, "load skill %s: %v", name, err)
	}
	return Text(instructions)
}
