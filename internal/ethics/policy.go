// Package ethics holds the mandatory review gate and the review policy that
// backs the default Guardian implementation.
package ethics

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable review policy. It is the Guardian's default
// brain: deterministic checks a deployment can run without an external model.
type Policy struct {
	// DenyTerms rejects any envelope whose content contains one of these
	// terms (case-insensitive).
	DenyTerms []string `yaml:"deny_terms"`

	// MaxContentBytes rejects oversized content. 0 disables the check.
	MaxContentBytes int `yaml:"max_content_bytes"`

	// BlockedSenders rejects everything from these agent ids.
	BlockedSenders []string `yaml:"blocked_senders"`
}

// Default returns the built-in policy: modest size cap, a denylist of terms
// no school message should carry, no blocked senders.
func Default() Policy {
	return Policy{
		DenyTerms:       []string{"social security number", "home address", "credit card"},
		MaxContentBytes: 64 * 1024,
	}
}

// Load reads a policy file. A missing or empty file yields the default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read ethics policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse ethics policy: %w", err)
	}
	return p, nil
}

// Evaluate applies the policy to one message. It returns approval plus a
// reason when rejecting.
func (p Policy) Evaluate(sender, content string) (bool, string) {
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, blocked := range p.BlockedSenders {
		if strings.ToLower(strings.TrimSpace(blocked)) == sender {
			return false, "sender is blocked by policy"
		}
	}
	if p.MaxContentBytes > 0 && len(content) > p.MaxContentBytes {
		return false, fmt.Sprintf("content exceeds %d bytes", p.MaxContentBytes)
	}
	lower := strings.ToLower(content)
	for _, term := range p.DenyTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(lower, term) {
			return false, fmt.Sprintf("content matches denied term %q", term)
		}
	}
	return true, ""
}

// Version returns a stable fingerprint of the policy contents.
func (p Policy) Version() string {
	h := fnv.New64a()
	for _, v := range p.DenyTerms {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.BlockedSenders {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte(strconv.Itoa(p.MaxContentBytes)))
	return "ethics-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy creates a LivePolicy from an initial snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Evaluate is the thread-safe check used at runtime.
func (lp *LivePolicy) Evaluate(sender, content string) (bool, string) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Evaluate(sender, content)
}

// Version returns the fingerprint of the active policy.
func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Version()
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.DenyTerms = append([]string(nil), lp.data.DenyTerms...)
	cp.BlockedSenders = append([]string(nil), lp.data.BlockedSenders...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
