// Package swebench loads SWE-bench task instances and records predictions.
//
// Instances follow the HuggingFace dataset schema
// (princeton-nlp/SWE-bench_Lite and friends).
package swebench

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInstanceNotFound is returned when an instance id is not in the dataset.
var ErrInstanceNotFound = errors.New("instance not found")

// Instance represents a single SWE-bench problem instance.
type Instance struct {
	InstanceID string `json:"instance_id"` // e.g., "django__django-11001"
	Repo       string `json:"repo"`        // e.g., "django/django"
	BaseCommit string `json:"base_commit"`

	ProblemStatement string `json:"problem_statement"`
	HintsText        string `json:"hints_text"`

	Version                string `json:"version"`
	EnvironmentSetupCommit string `json:"environment_setup_commit"`
	CreatedAt              string `json:"created_at"`

	// Gold patches are never shown to the agent.
	Patch     string `json:"patch"`
	TestPatch string `json:"test_patch"`

	FailToPass TestList `json:"FAIL_TO_PASS"`
	PassToPass TestList `json:"PASS_TO_PASS"`
}

// TestList is a list of test ids. The dataset server encodes it either as a
// JSON array or as a string holding a JSON array; both decode the same.
type TestList []string

// UnmarshalJSON accepts `["a","b"]`, `"[\"a\",\"b\"]"`, `""` and `null`.
func (l *TestList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		encoded = strings.TrimSpace(encoded)
		if encoded == "" {
			*l = nil
			return nil
		}
		data = []byte(encoded)
	}

	var tests []string
	if err := json.Unmarshal(data, &tests); err != nil {
		return fmt.Errorf("invalid test list: %w", err)
	}
	*l = tests
	return nil
}

// RepoOwner returns the repository owner (e.g., "django" from "django/django").
func (i *Instance) RepoOwner() string {
	owner, _, _ := strings.Cut(i.Repo, "/")
	return owner
}

// RepoName returns the repository name (e.g., "django" from "django/django").
func (i *Instance) RepoName() string {
	if _, name, ok := strings.Cut(i.Repo, "/"); ok {
		return name
	}
	return i.Repo
}

// ImageSlug returns the id as it appears in the prebuilt evaluation image names.
func (i *Instance) ImageSlug() string {
	return ImageSlug(i.InstanceID)
}

// ImageSlug converts an instance id to its docker image form:
// "__" becomes "_1776_" and the result is lowercased.
func ImageSlug(instanceID string) string {
	return strings.ToLower(strings.ReplaceAll(instanceID, "__", "_1776_"))
}

// TestCount returns the total number of tests.
func (i *Instance) TestCount() int {
	return len(i.FailToPass) + len(i.PassToPass)
}

// String returns a human-readable representation.
func (i *Instance) String() string {
	return fmt.Sprintf("Instance{ID: %s, Repo: %s, Version: %s, Tests: %d}",
		i.InstanceID, i.Repo, i.Version, i.TestCount())
}

// LoadInstances loads instances from a JSON array or JSONL file.
func LoadInstances(path string) ([]*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var instances []*Instance
		if err := json.Unmarshal(trimmed, &instances); err != nil {
			return nil, fmt.Errorf("failed to parse instances: %w", err)
		}
		return instances, nil
	}
	return parseJSONL(data)
}

func parseJSONL(data []byte) ([]*Instance, error) {
	var instances []*Instance
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var instance Instance
		if err := json.Unmarshal(text, &instance); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", line, err)
		}
		instances = append(instances, &instance)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan instances: %w", err)
	}
	return instances, nil
}

// WriteInstances writes instances as JSONL, replacing the file atomically.
func WriteInstances(path string, instances []*Instance) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, inst := range instances {
		if err := enc.Encode(inst); err != nil {
			return fmt.Errorf("failed to encode %s: %w", inst.InstanceID, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write instances: %w", err)
	}
	return os.Rename(tmp, path)
}

// FindInstance returns the instance with the given id.
func FindInstance(instances []*Instance, id string) (*Instance, error) {
	for _, inst := range instances {
		if inst.InstanceID == id {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}
