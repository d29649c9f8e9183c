package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"loombot/internal/metrics"
	"loombot/internal/modelrank"
	"loombot/internal/provider"
	"loombot/internal/storage"
)

// ErrCredentialsExhausted is returned when every credential/model
// candidate failed. It is the only provider-side error a caller sees.
var ErrCredentialsExhausted = errors.New("all credential and model candidates exhausted")

// fallbackModels is tried when a credential has no cached discovery data
// and live discovery fails too.
var fallbackModels = []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}

// attempt is one successful provider call plus the candidate that served
// it. The tool round reuses the same client and model.
type attempt struct {
	resp         provider.Response
	client       provider.Client
	model        string
	credentialID int64
}

// runCascade walks (credential, model) candidates in rotation order until
// one call succeeds. Quota and transport failures both advance the
// cascade; they differ only in logging. The last error is carried so
// exhaustion reports a cause.
func (e *Engine) runCascade(ctx context.Context, tenantID int64, preferred string, req provider.Request) (attempt, error) {
	creds, err := e.store.ListActiveCredentials(ctx, tenantID)
	if err != nil {
		return attempt{}, fmt.Errorf("list credentials: %w", err)
	}
	if len(creds) == 0 {
		return attempt{}, fmt.Errorf("%w: no active credentials", ErrCredentialsExhausted)
	}

	// A preferred model narrows the pool to credentials known to serve it.
	// When none do, preference is dropped and selection is automatic.
	if preferred != "" {
		qualified := make([]storage.Credential, 0, len(creds))
		for _, cred := range creds {
			if credServes(cred, preferred) {
				qualified = append(qualified, cred)
			}
		}
		if len(qualified) > 0 {
			creds = qualified
		} else {
			e.log.Debug().Str("preferred", preferred).Msg("no credential serves preferred model, selecting automatically")
			preferred = ""
		}
	}

	var lastErr error
	for _, cred := range creds {
		secret, err := e.keyring.OpenString(cred.EncSecret)
		if err != nil {
			e.log.Error().Err(err).Int64("credential", cred.ID).Msg("credential secret unreadable")
			lastErr = err
			continue
		}
		client := e.factory(secret)

		for _, model := range e.candidateModels(ctx, client, cred, preferred) {
			metrics.Global().CascadeAttempts.Inc()
			callReq := req
			callReq.Model = model

			callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
			resp, err := client.GenerateContent(callCtx, callReq)
			cancel()
			if err != nil {
				lastErr = err
				if provider.IsQuota(err) {
					e.log.Info().Int64("credential", cred.ID).Str("model", model).Msg("quota exhausted, trying next candidate")
				} else {
					e.log.Warn().Err(err).Int64("credential", cred.ID).Str("model", model).Msg("provider call failed, trying next candidate")
				}
				metrics.Global().ProviderCalls.WithLabelValues("error").Inc()
				if ctx.Err() != nil {
					return attempt{}, fmt.Errorf("%w: %v", ErrCredentialsExhausted, ctx.Err())
				}
				continue
			}

			metrics.Global().ProviderCalls.WithLabelValues("ok").Inc()
			if err := e.store.TouchCredential(ctx, cred.ID); err != nil {
				e.log.Warn().Err(err).Int64("credential", cred.ID).Msg("touch credential failed")
			}
			return attempt{resp: resp, client: client, model: model, credentialID: cred.ID}, nil
		}
	}
	return attempt{}, fmt.Errorf("%w: last error: %v", ErrCredentialsExhausted, lastErr)
}

// candidateModels orders the models to try for one credential: the
// preferred model first when set, then the credential's cached best model,
// then the discovered set ranked best-first, de-duplicated. A credential
// with no discovery data falls back to a hardcoded list.
func (e *Engine) candidateModels(ctx context.Context, client provider.Client, cred storage.Credential, preferred string) []string {
	discovered := cred.Models()
	if len(discovered) == 0 {
		discovered = e.refreshDiscovery(ctx, client, cred)
	}

	names := make([]string, 0, len(discovered))
	for _, m := range discovered {
		names = append(names, m.Name)
	}
	if len(names) == 0 {
		return fallbackModels
	}

	ranked := modelrank.SortDesc(names)
	if cred.BestModel != "" && contains(ranked, cred.BestModel) && ranked[0] != cred.BestModel {
		ranked = moveToFront(ranked, cred.BestModel)
	}
	if preferred != "" {
		ranked = moveToFront(ranked, preferred)
	}
	return ranked
}

func credServes(cred storage.Credential, model string) bool {
	for _, m := range cred.Models() {
		if m.Name == model {
			return true
		}
	}
	return false
}

// refreshDiscovery fetches the credential's model list and caches it.
// Failure is non-fatal; the cascade falls back to hardcoded models.
func (e *Engine) refreshDiscovery(ctx context.Context, client provider.Client, cred storage.Credential) []storage.DiscoveredModel {
	listCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	infos, err := client.ListModels(listCtx)
	if err != nil || len(infos) == 0 {
		if err != nil {
			e.log.Warn().Err(err).Int64("credential", cred.ID).Msg("model discovery failed")
		}
		return nil
	}

	discovered := make([]storage.DiscoveredModel, 0, len(infos))
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		discovered = append(discovered, storage.DiscoveredModel{
			Name:             info.Name,
			InputTokenLimit:  info.InputTokenLimit,
			OutputTokenLimit: info.OutputTokenLimit,
		})
		names = append(names, info.Name)
	}
	best := modelrank.SortDesc(names)[0]

	raw, err := json.Marshal(discovered)
	if err == nil {
		if uerr := e.store.UpdateCredentialDiscovery(ctx, cred.ID, best, string(raw)); uerr != nil {
			e.log.Warn().Err(uerr).Int64("credential", cred.ID).Msg("cache model discovery failed")
		}
	}
	return discovered
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func moveToFront(list []string, v string) []string {
	out := make([]string, 0, len(list))
	out = append(out, v)
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
