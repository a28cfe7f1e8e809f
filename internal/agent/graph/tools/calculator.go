package tools

import (
	"context"
	"math"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	logx "github.com/hr-leavebot/server/pkg/logger"
)

const (
	ToolCalcVacationPay       = "calculate_vacation_pay"
	ToolCalcUnusedOvertimePay = "calculate_unused_overtime_pay"
)

// Inputs use pointer fields so an omitted argument is distinguishable from a
// literal zero. Arguments are taken verbatim from the model; a missing one is
// reported back as a tool result the model can read, never defaulted.

type CalcVacationPayInput struct {
	MonthlySalary  *float64 `json:"monthly_salary"`
	HalfDaysUnused *float64 `json:"half_days_unused"`
}

type CalcVacationPayOutput struct {
	Pay   int    `json:"pay,omitempty"`
	Error string `json:"error,omitempty"`
}

func createCalcVacationPayTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolCalcVacationPay,
			Desc: "【僅限特休假使用】計算未休畢特休假可折算的工資。禁止用於加班費、補休或其他假別。只有當使用者明確提供月薪與剩餘特休半天數時才可呼叫;缺少任一參數時不要呼叫,改以文字詢問使用者。",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"monthly_salary": {
					Type:     "number",
					Desc:     "使用者的月薪(新台幣),必須由使用者明確提供",
					Required: true,
				},
				"half_days_unused": {
					Type:     "number",
					Desc:     "剩餘特休的半天數,必須由使用者明確提供",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *CalcVacationPayInput) (*CalcVacationPayOutput, error) {
			if in.MonthlySalary == nil {
				return &CalcVacationPayOutput{Error: "missing required argument: monthly_salary"}, nil
			}
			if in.HalfDaysUnused == nil {
				return &CalcVacationPayOutput{Error: "missing required argument: half_days_unused"}, nil
			}

			// 日薪 = 月薪 / 30,無條件進位;工資 = 日薪 * 0.5 * 半天數,無條件進位
			dailySalary := math.Ceil(*in.MonthlySalary / 30)
			pay := int(math.Ceil(dailySalary * 0.5 * *in.HalfDaysUnused))

			logx.Debug().
				Float64("monthly_salary", *in.MonthlySalary).
				Float64("half_days_unused", *in.HalfDaysUnused).
				Int("pay", pay).
				Msg("Calculated vacation pay")

			return &CalcVacationPayOutput{Pay: pay}, nil
		},
	)
}

type CalcUnusedOvertimePayInput struct {
	MonthlySalary    *float64 `json:"monthly_salary"`
	HalfDays         *float64 `json:"half_days"`
	RemainingMinutes *float64 `json:"remaining_minutes"`
}

type CalcUnusedOvertimePayOutput struct {
	Amount float64 `json:"amount,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func createCalcUnusedOvertimePayTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolCalcUnusedOvertimePay,
			Desc: "【僅限加班費使用】計算未休加班假(補休)結算的金額。禁止用於特休假、病假或其他假別。只有當使用者明確提供月薪、結算半天數與結算分鐘數時才可呼叫;缺少任一參數時不要呼叫,改以文字詢問使用者。",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"monthly_salary": {
					Type:     "number",
					Desc:     "使用者的月薪(新台幣),必須由使用者明確提供",
					Required: true,
				},
				"half_days": {
					Type:     "number",
					Desc:     "結算的半天數(加班時數轉換為半天),必須由使用者明確提供",
					Required: true,
				},
				"remaining_minutes": {
					Type:     "number",
					Desc:     "結算的分鐘數(不滿半天的零碎時數),必須由使用者明確提供",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *CalcUnusedOvertimePayInput) (*CalcUnusedOvertimePayOutput, error) {
			if in.MonthlySalary == nil {
				return &CalcUnusedOvertimePayOutput{Error: "missing required argument: monthly_salary"}, nil
			}
			if in.HalfDays == nil {
				return &CalcUnusedOvertimePayOutput{Error: "missing required argument: half_days"}, nil
			}
			if in.RemainingMinutes == nil {
				return &CalcUnusedOvertimePayOutput{Error: "missing required argument: remaining_minutes"}, nil
			}

			// 日薪 = 月薪 / 30,無條件進位
			dailyWage := math.Ceil(*in.MonthlySalary / 30)
			// 剩餘分鐘數 = 半天數 * 4 小時 * 60 分鐘 + 結算分鐘數
			totalMinutes := *in.HalfDays*4*60 + *in.RemainingMinutes
			// 金額 = 日薪 / 480 分鐘 * 剩餘分鐘數,無條件進位
			amount := math.Ceil(dailyWage / 480 * totalMinutes)

			logx.Debug().
				Float64("monthly_salary", *in.MonthlySalary).
				Float64("total_minutes", totalMinutes).
				Float64("amount", amount).
				Msg("Calculated unused overtime pay")

			return &CalcUnusedOvertimePayOutput{Amount: amount}, nil
		},
	)
}
