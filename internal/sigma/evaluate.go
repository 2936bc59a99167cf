package sigma

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
)

// MatchResult reports how one event fared against a rule.
type MatchResult struct {
	Index    int             `json:"index"`
	Match    bool            `json:"match"`
	Searches map[string]bool `json:"searches,omitempty"`
}

// Evaluate matches each event against the rule in raw.
func Evaluate(ctx context.Context, raw []byte, events []map[string]any) ([]MatchResult, error) {
	rule, err := sigmalib.ParseRule(raw)
	if err != nil {
		return nil, fmt.Errorf("sigma: parse rule: %w", err)
	}
	ev := evaluator.ForRule(rule)

	results := make([]MatchResult, 0, len(events))
	for i, event := range events {
		res, err := ev.Matches(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("sigma: evaluate event %d: %w", i, err)
		}
		results = append(results, MatchResult{Index: i, Match: res.Match, Searches: res.SearchResults})
	}
	return results, nil
}

// FileResult is the outcome of validating one rule file.
type FileResult struct {
	Path  string
	Title string
	Err   error
}

// ValidateFS parses every .yml rule under fsys with both the metadata reader
// and the sigma-go parser. Results are sorted by path.
func ValidateFS(fsys fs.FS) ([]FileResult, error) {
	var results []FileResult
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".yml" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		results = append(results, validateRule(p, data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

func validateRule(p string, data []byte) FileResult {
	res := FileResult{Path: p}
	meta, err := ParseMetadata(data)
	if err != nil {
		res.Err = err
		return res
	}
	res.Title = meta.Title
	if sigmalib.InferFileType(data) != sigmalib.RuleFile {
		res.Err = fmt.Errorf("sigma: not a rule file")
		return res
	}
	if _, err := sigmalib.ParseRule(data); err != nil {
		res.Err = fmt.Errorf("sigma: %s", strings.TrimSpace(err.Error()))
	}
	return res
}
