package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkillsListTool enumerates the skills available under the workspace's
// skills/ directory. The SKILL.md markdown format itself is not
// interpreted here beyond lifting a one-line description from the file's
// first non-empty, non-heading line — parsing its structure is out of
// scope.
type SkillsListTool struct {
	workspace string
}

func NewSkillsListTool(workspace string) *SkillsListTool { return &SkillsListTool{workspace: workspace} }

func (t *SkillsListTool) Name() string        { return "skills.list" }
func (t *SkillsListTool) Description() string { return "List the skills available in the workspace" }
func (t *SkillsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *SkillsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}

	skillsDir := filepath.Join(workspace, "skills")
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return SilentResult("(no skills directory)")
		}
		return ErrorResult(fmt.Sprintf("failed to list skills: %v", err))
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return SilentResult("(no skills found)")
	}

	var sb strings.Builder
	for _, name := range names {
		desc := readSkillDescription(filepath.Join(skillsDir, name, "SKILL.md"))
		if desc != "" {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", name, desc))
		} else {
			sb.WriteString(fmt.Sprintf("- %s\n", name))
		}
	}
	return SilentResult(strings.TrimRight(sb.String(), "\n"))
}

// readSkillDescription returns the first non-empty, non-heading line of a
// SKILL.md file as its description, or "" if the file is absent or empty.
func readSkillDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "---") {
			continue
		}
		return line
	}
	return ""
}
