package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const rateEndpoint = "https://open.er-api.com/v6/latest/"

func (r *Registry) convertCurrency(ctx context.Context, amount float64, from, to string) (string, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if len(from) != 3 || len(to) != 3 {
		return "", fmt.Errorf("currency codes must be three letters")
	}

	body, err := r.getJSON(ctx, rateEndpoint+from)
	if err != nil {
		return "", fmt.Errorf("fetch rates for %s: %w", from, err)
	}
	var parsed struct {
		Result string             `json:"result"`
		Rates  map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode rate table: %w", err)
	}
	if parsed.Result != "success" {
		return "", fmt.Errorf("rate lookup for %s failed", from)
	}
	rate, ok := parsed.Rates[to]
	if !ok {
		return fmt.Sprintf("no rate available for %s", to), nil
	}
	return fmt.Sprintf("%.2f %s = %.2f %s (rate %.6f)", amount, from, amount*rate, to, rate), nil
}
