package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// GetQueryTools returns the calculator tools available to the generator.
func GetQueryTools() []tool.BaseTool {
	return []tool.BaseTool{
		createCalcVacationPayTool(),
		createCalcUnusedOvertimePayTool(),
	}
}

// GetToolInfos resolves ToolInfo for each tool so they can be bound to the
// generator model.
func GetToolInfos(ctx context.Context, tools []tool.BaseTool) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
