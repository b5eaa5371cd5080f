// Package redact scrubs secrets from text before it is persisted.
//
// Detection uses the gitleaks default rule set. Every match is replaced
// with a marker of the form [REDACTED:rule-id:xxxx], where xxxx is the
// first four characters of the secret, so stored facts and checkpoint
// previews keep their meaning without carrying the value.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Config configures a Redactor.
type Config struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Secret string
}

// Redactor replaces detected secrets with markers. A nil or disabled
// Redactor returns its input unchanged. It is safe for concurrent use.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
	logger   *zap.Logger
}

// New builds a Redactor. The gitleaks rule set is loaded once.
func New(cfg Config, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redactor{logger: logger}
	if !cfg.Enabled {
		return r, nil
	}

	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	if len(allow.Regexes) > 0 {
		applyAllowlist(&detector.Config, allow)
	}
	r.detector = detector
	return r, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	entry := &gitleaksConfig.Allowlist{Description: "taskpilot allowlist"}
	for _, pattern := range allow.Regexes {
		// Validated by LoadAllowlist.
		re := regexp.MustCompile(pattern)
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
}

// Enabled reports whether the Redactor scans content.
func (r *Redactor) Enabled() bool {
	return r != nil && r.detector != nil
}

// Scan returns the secrets found in content.
func (r *Redactor) Scan(content string) []Finding {
	if !r.Enabled() || content == "" {
		return nil
	}
	r.mu.Lock()
	found := r.detector.DetectString(content)
	r.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Secret: f.Secret})
	}
	return out
}

// Redact returns content with every detected secret replaced by a marker.
func (r *Redactor) Redact(content string) string {
	findings := r.Scan(content)
	if len(findings) == 0 {
		return content
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})
	for _, f := range findings {
		content = strings.ReplaceAll(content, f.Secret, marker(f))
	}
	r.logger.Debug("redacted secrets", zap.Int("count", len(findings)))
	return content
}

func marker(f Finding) string {
	preview := f.Secret
	if len(preview) > 4 {
		preview = preview[:4]
	}
	return fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview)
}
