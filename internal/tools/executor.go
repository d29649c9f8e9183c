package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loombot/internal/metrics"
	"loombot/internal/provider"
	"loombot/internal/storage"
)

// Execution records one tool call's outcome for auditing.
type Execution struct {
	Name   string
	Output string
	Failed bool
}

// ExecuteAll runs every requested call concurrently, waits for all of
// them, and folds the results into one function-response message for the
// follow-up provider call. Failures are isolated per call: the model sees
// a textual error for that tool, the others proceed normally.
func (r *Registry) ExecuteAll(ctx context.Context, caller Caller, settings storage.TenantSettings, calls []provider.FunctionCall, perCallTimeout time.Duration) (provider.Message, []Execution) {
	execs := make([]Execution, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call provider.FunctionCall) {
			defer wg.Done()
			callCtx := ctx
			if perCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, perCallTimeout)
				defer cancel()
			}

			start := time.Now()
			out, err := r.Execute(callCtx, caller, settings, call)
			if err != nil {
				r.log.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
				metrics.Global().ToolExecutions.WithLabelValues(call.Name, "error").Inc()
				execs[i] = Execution{Name: call.Name, Output: "tool error: " + err.Error(), Failed: true}
				return
			}
			r.log.Debug().Str("tool", call.Name).Dur("took", time.Since(start)).Msg("tool call done")
			metrics.Global().ToolExecutions.WithLabelValues(call.Name, "ok").Inc()
			execs[i] = Execution{Name: call.Name, Output: out}
		}(i, call)
	}
	wg.Wait()

	msg := provider.Message{Role: provider.RoleUser}
	for _, e := range execs {
		key := "result"
		if e.Failed {
			key = "error"
		}
		msg.Parts = append(msg.Parts, provider.Part{FunctionResponse: &provider.FunctionResponse{
			Name:     e.Name,
			Response: map[string]any{key: e.Output},
		}})
	}
	return msg, execs
}

// Execute dispatches one tool call by name. Unknown names fall through to
// the tenant's custom webhook tools.
func (r *Registry) Execute(ctx context.Context, caller Caller, settings storage.TenantSettings, call provider.FunctionCall) (string, error) {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	switch call.Name {
	case NameWebSearch:
		return r.webSearch(ctx, argString(args, "query"))
	case NameWeather:
		return r.weather(ctx, argString(args, "location"))
	case NameCalculator:
		v, err := Evaluate(argString(args, "expression"))
		if err != nil {
			return "", err
		}
		return formatCalcResult(v), nil
	case NameScrapePage:
		return r.scrapePage(ctx, argString(args, "url"))
	case NameGitHubRepo:
		return r.githubRepo(ctx, argString(args, "owner"), argString(args, "repo"))
	case NameCurrency:
		amount, ok := argFloat(args, "amount")
		if !ok {
			return "", fmt.Errorf("amount must be a number")
		}
		return r.convertCurrency(ctx, amount, argString(args, "from"), argString(args, "to"))
	case NameSendMedia:
		return r.sendMedia(ctx, argString(args, "source"), argString(args, "type"))
	case NameSaveMemory:
		return r.saveMemory(ctx, caller, settings, argString(args, "content"))
	case NameManageTools:
		return r.manageTools(ctx, caller, settings, args)
	case NameInstallTool:
		return r.installTool(ctx, caller, args)
	}

	tool, err := r.store.GetToolByName(ctx, caller.TenantID, call.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("unknown tool %q", call.Name)
		}
		return "", fmt.Errorf("look up tool %q: %w", call.Name, err)
	}
	if !tool.IsActive {
		return "", fmt.Errorf("tool %q is disabled", call.Name)
	}
	if tool.AdminOnly && !r.IsAdmin(ctx, caller) {
		return "", fmt.Errorf("tool %q requires admin rights", call.Name)
	}
	return r.callWebhook(ctx, tool, args)
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
