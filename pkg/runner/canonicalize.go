package runner

import "github.com/sovereign-ubl/ubl/pkg/atom"

func canonicalizePayload(payload map[string]any) ([]byte, error) {
	return atom.Canonicalize(payload)
}
