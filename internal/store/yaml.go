package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"chestnut/internal/tracker"
	logx "chestnut/pkg/logx"
)

const emptyYAMLDoc = "trackers: {}\n"

// yamlStore keeps every tracker in one YAML document:
//
//	trackers:
//	  <name>:
//	    trigger: storage
//	    world: world
//	    ...
type yamlStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openYAML(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for yaml driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeFileAtomic(path, []byte(emptyYAMLDoc)); err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
	} else if err != nil {
		return nil, err
	}
	return &yamlStore{log: log, path: path}, nil
}

func (s *yamlStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *yamlStore) Load(ctx context.Context) (LoadResult, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return LoadResult{}, ErrClosed
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return LoadResult{}, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return LoadResult{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	section := trackersSection(&doc)
	if section == nil {
		return LoadResult{}, nil
	}

	var res LoadResult
	for i := 0; i+1 < len(section.Content); i += 2 {
		name := section.Content[i].Value
		body := section.Content[i+1]

		var rec tracker.Record
		if body.Kind != yaml.MappingNode {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Err: fmt.Errorf("%w: not a mapping", tracker.ErrMalformed)})
			continue
		}
		if err := body.Decode(&rec); err != nil {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Err: fmt.Errorf("%w: %v", tracker.ErrMalformed, err)})
			continue
		}
		rec.Name = name

		t, migrated, err := decodeRecord(rec)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Err: err})
			continue
		}
		if migrated {
			setTrigger(body, string(t.Kind))
			res.Migrated++
		}
		res.Trackers = append(res.Trackers, t)
	}

	for _, sk := range res.Skipped {
		s.log.Warn("skipping malformed tracker", logx.Tracker(sk.Name), logx.Err(sk.Err))
	}

	// Rewrite the document in place so malformed entries survive for manual repair.
	if res.Migrated > 0 {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return res, fmt.Errorf("encode migrated trackers: %w", err)
		}
		_ = enc.Close()
		if err := writeFileAtomic(s.path, buf.Bytes()); err != nil {
			return res, fmt.Errorf("write migrated trackers: %w", err)
		}
		s.log.Info("migrated legacy trigger ids", logx.Int("count", res.Migrated))
	}
	return res, nil
}

func (s *yamlStore) Save(ctx context.Context, records []tracker.Record) error {
	_ = ctx
	section := &yaml.Node{Kind: yaml.MappingNode}
	for _, r := range sortRecords(records) {
		var body yaml.Node
		if err := body.Encode(r); err != nil {
			return fmt.Errorf("encode tracker %q: %w", r.Name, err)
		}
		section.Content = append(section.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: r.Name},
			&body,
		)
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "trackers"},
		section,
	}}
	if len(section.Content) == 0 {
		section.Style = yaml.FlowStyle
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeFileAtomic(s.path, buf.Bytes())
}

// trackersSection returns the mapping under the top-level "trackers" key.
func trackersSection(doc *yaml.Node) *yaml.Node {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "trackers" && root.Content[i+1].Kind == yaml.MappingNode {
			return root.Content[i+1]
		}
	}
	return nil
}

func setTrigger(body *yaml.Node, id string) {
	for i := 0; i+1 < len(body.Content); i += 2 {
		if body.Content[i].Value == "trigger" {
			body.Content[i+1].Value = id
			body.Content[i+1].Tag = "!!str"
			body.Content[i+1].Style = 0
			return
		}
	}
}

// writeFileAtomic writes to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
