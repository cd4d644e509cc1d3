// Package policy loads capability grants from a YAML file:
//
//	grants:
//	  user-1:
//	    - messaging_instances:read
//	    - merchant_accounts:*
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"restops/internal/store"
)

const wildcardAction = "*"

type fileFormat struct {
	Grants map[string][]string `yaml:"grants"`
}

// FileGrantStore answers capability checks from a static grant table.
type FileGrantStore struct {
	grants map[string]map[string]struct{}
}

func LoadFile(path string) (*FileGrantStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability policy: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*FileGrantStore, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode capability policy: %w", err)
	}
	out := &FileGrantStore{grants: make(map[string]map[string]struct{}, len(doc.Grants))}
	for identity, entries := range doc.Grants {
		identity = strings.TrimSpace(identity)
		if identity == "" {
			return nil, fmt.Errorf("capability policy: empty identity")
		}
		set := make(map[string]struct{}, len(entries))
		for _, entry := range entries {
			feature, action, ok := strings.Cut(strings.TrimSpace(entry), ":")
			if !ok || feature == "" || action == "" {
				return nil, fmt.Errorf("capability policy: invalid grant %q for %s", entry, identity)
			}
			set[feature+":"+action] = struct{}{}
		}
		out.grants[identity] = set
	}
	return out, nil
}

func (s *FileGrantStore) HasGrant(_ context.Context, identity, featureCode, action string) (bool, error) {
	set, ok := s.grants[identity]
	if !ok {
		return false, nil
	}
	if _, ok := set[featureCode+":"+action]; ok {
		return true, nil
	}
	_, ok = set[featureCode+":"+wildcardAction]
	return ok, nil
}

var _ store.GrantStore = (*FileGrantStore)(nil)
