package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/talon/internal/domain"
)

// ExpressionEngine compiles and evaluates optional per-rule CEL eligibility
// expressions. Programs are cached by rule ID and recompiled when the
// expression text changes.
type ExpressionEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]*compiledExpression
}

type compiledExpression struct {
	source  string
	program cel.Program
}

// NewExpressionEngine creates the CEL environment with transaction
// variables available to rule expressions.
func NewExpressionEngine() (*ExpressionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("mcc", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("is_online", cel.BoolType),
		cel.Variable("is_contactless", cel.BoolType),
		cel.Variable("monthly_spend", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ExpressionEngine{
		env:      env,
		programs: make(map[string]*compiledExpression),
	}, nil
}

// ValidateExpression compiles an expression without caching it. Used by the
// rule management API before accepting a rule.
func (e *ExpressionEngine) ValidateExpression(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.compile(expr)
	return err
}

// Eligible evaluates the rule's expression against the input. Rules without
// an expression are eligible. Evaluation errors fail closed.
func (e *ExpressionEngine) Eligible(rule *domain.RewardRule, in *domain.CalculationInput) bool {
	if rule.Expression == "" {
		return true
	}

	program, err := e.programFor(rule)
	if err != nil {
		return false
	}

	mcc := ""
	if in.MCC != nil {
		mcc = *in.MCC
	}
	monthlySpend := 0.0
	if in.MonthlySpend != nil {
		monthlySpend = *in.MonthlySpend
	}

	out, _, err := program.Eval(map[string]any{
		"amount":         in.Amount,
		"currency":       in.Currency,
		"mcc":            mcc,
		"merchant":       in.MerchantName,
		"category":       in.Category,
		"tx_type":        in.TransactionType,
		"is_online":      in.IsOnline,
		"is_contactless": in.IsContactless,
		"monthly_spend":  monthlySpend,
	})
	if err != nil {
		return false
	}

	b, ok := out.(types.Bool)
	return ok && bool(b)
}

// Invalidate drops the cached program for a rule (call on update/delete).
func (e *ExpressionEngine) Invalidate(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.programs, ruleID)
}

func (e *ExpressionEngine) programFor(rule *domain.RewardRule) (cel.Program, error) {
	e.mu.RLock()
	cached, ok := e.programs[rule.ID]
	e.mu.RUnlock()
	if ok && cached.source == rule.Expression {
		return cached.program, nil
	}

	program, err := e.compile(rule.Expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[rule.ID] = &compiledExpression{source: rule.Expression, program: program}
	e.mu.Unlock()

	return program, nil
}

func (e *ExpressionEngine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return program, nil
}
