package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invokableByName(t *testing.T, name string) tool.InvokableTool {
	t.Helper()
	ctx := context.Background()
	for _, bt := range GetQueryTools() {
		info, err := bt.Info(ctx)
		require.NoError(t, err)
		if info.Name == name {
			inv, ok := bt.(tool.InvokableTool)
			require.True(t, ok)
			return inv
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestCalcVacationPay(t *testing.T) {
	ctx := context.Background()
	calc := invokableByName(t, ToolCalcVacationPay)

	t.Run("rounds the daily salary up", func(t *testing.T) {
		// 50000/30 = 1666.67 -> 1667; 1667*0.5*3 = 2500.5 -> 2501
		out, err := calc.InvokableRun(ctx, `{"monthly_salary":50000,"half_days_unused":3}`)
		require.NoError(t, err)

		var result CalcVacationPayOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, 2501, result.Pay)
		assert.Empty(t, result.Error)
	})

	t.Run("exact division", func(t *testing.T) {
		// 30000/30 = 1000; 1000*0.5*4 = 2000
		out, err := calc.InvokableRun(ctx, `{"monthly_salary":30000,"half_days_unused":4}`)
		require.NoError(t, err)

		var result CalcVacationPayOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, 2000, result.Pay)
	})

	t.Run("missing argument is reported, not defaulted", func(t *testing.T) {
		out, err := calc.InvokableRun(ctx, `{"monthly_salary":30000}`)
		require.NoError(t, err)

		var result CalcVacationPayOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, "missing required argument: half_days_unused", result.Error)
		assert.Zero(t, result.Pay)
	})

	t.Run("zero is a valid provided value", func(t *testing.T) {
		out, err := calc.InvokableRun(ctx, `{"monthly_salary":30000,"half_days_unused":0}`)
		require.NoError(t, err)

		var result CalcVacationPayOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Empty(t, result.Error)
		assert.Zero(t, result.Pay)
	})
}

func TestCalcUnusedOvertimePay(t *testing.T) {
	ctx := context.Background()
	calc := invokableByName(t, ToolCalcUnusedOvertimePay)

	t.Run("half days and minutes combine", func(t *testing.T) {
		// daily = ceil(48000/30) = 1600
		// minutes = 2*4*60 + 30 = 510
		// amount = ceil(1600/480*510) = ceil(1700) = 1700
		out, err := calc.InvokableRun(ctx, `{"monthly_salary":48000,"half_days":2,"remaining_minutes":30}`)
		require.NoError(t, err)

		var result CalcUnusedOvertimePayOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, float64(1700), result.Amount)
		assert.Empty(t, result.Error)
	})

	t.Run("missing argument is reported", func(t *testing.T) {
		out, err := calc.InvokableRun(ctx, `{"monthly_salary":48000,"half_days":2}`)
		require.NoError(t, err)

		var result CalcUnusedOvertimePayOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, "missing required argument: remaining_minutes", result.Error)
	})
}
