package tools

import (
	"context"
	"fmt"
	"strings"
)

const readmeLimit = 4000

func (r *Registry) githubRepo(ctx context.Context, owner, repo string) (string, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return "", fmt.Errorf("owner and repo are required")
	}

	meta, _, err := r.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("fetch repository %s/%s: %w", owner, repo, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", meta.GetFullName())
	if desc := meta.GetDescription(); desc != "" {
		fmt.Fprintf(&b, "%s\n", desc)
	}
	fmt.Fprintf(&b, "Language: %s | Stars: %d | Forks: %d | Open issues: %d\n",
		meta.GetLanguage(), meta.GetStargazersCount(), meta.GetForksCount(), meta.GetOpenIssuesCount())
	if meta.GetHomepage() != "" {
		fmt.Fprintf(&b, "Homepage: %s\n", meta.GetHomepage())
	}

	readme, _, err := r.gh.Repositories.GetReadme(ctx, owner, repo, nil)
	if err == nil {
		if content, cerr := readme.GetContent(); cerr == nil && content != "" {
			b.WriteString("\nREADME:\n")
			b.WriteString(truncateText(content, readmeLimit))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}
